package layout

import (
	"reflect"
	"testing"
)

func TestExpand(t *testing.T) {
	vars := Resolve("/opt/keg", "demo", "1.0").Vars().With(IdentityVars("keg", "/tmp"))

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"prefix", "${layout.prefix}", "/opt/keg/demo/1.0"},
		{"embedded", "--datadir=${layout.var}/mysql", "--datadir=/opt/keg/var/demo/mysql"},
		{"several", "${layout.bin}:${layout.sbin}", "/opt/keg/demo/1.0/bin:/opt/keg/demo/1.0/sbin"},
		{"identity", "--user=${identity.user}", "--user=keg"},
		{"package", "${package.name}-${package.version}", "demo-1.0"},
		{"unknown kept", "${layout.nowhere}", "${layout.nowhere}"},
		{"shell variable untouched", "$(dirname $0)/common", "$(dirname $0)/common"},
		{"no placeholder", "plain", "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := vars.Expand(tt.in); got != tt.want {
				t.Errorf("Expand(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExpandStrict(t *testing.T) {
	vars := Resolve("/opt/keg", "demo", "1.0").Vars()

	if _, err := vars.ExpandStrict("${layout.bin}/demod"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := vars.ExpandStrict("${layout.bogus}/demod"); err == nil {
		t.Fatal("expected error for unknown placeholder")
	}
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders("${layout.var}/x ${layout.bin} ${layout.var}")
	want := []string{"layout.bin", "layout.var"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Placeholders = %v, want %v", got, want)
	}
}

func TestTemplateKeys(t *testing.T) {
	keys := TemplateKeys()
	for _, k := range []string{"layout.prefix", "layout.opt_bin", "package.name", "identity.user"} {
		if !keys[k] {
			t.Errorf("missing template key %s", k)
		}
	}
}
