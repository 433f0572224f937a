package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootCmd_HasSubcommands(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{"version": false, "serve": false, "migrate": false, "seed": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if code := execute(root); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.HasPrefix(out.String(), "widget-chat dev") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestSeedCmd_Flags(t *testing.T) {
	cmd := newSeedCmd()
	f := cmd.Flags().Lookup("file")
	if f == nil || f.Shorthand != "f" || f.DefValue != "widgets.yaml" {
		t.Fatalf("unexpected file flag: %+v", f)
	}
}
