package service

import (
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/openfroyo/keg/pkg/formula"
	"github.com/openfroyo/keg/pkg/layout"
)

func TestRender(t *testing.T) {
	l := layout.Resolve("/opt/keg", "demo", "1.0")
	identity := layout.IdentityVars("demo", "/tmp")

	tests := []struct {
		name string
		tmpl formula.ServiceTemplate
		want Descriptor
	}{
		{
			name: "defaults",
			tmpl: formula.ServiceTemplate{Program: "${layout.bin}/demod"},
			want: Descriptor{
				Label:      "keg.demo",
				Program:    "/opt/keg/demo/1.0/bin/demod",
				WorkingDir: "/opt/keg/var/demo",
				Restart:    formula.RestartAlways,
			},
		},
		{
			name: "fully specified",
			tmpl: formula.ServiceTemplate{
				Label:      "org.demo.${package.name}",
				Program:    "${layout.opt_bin}/demod_safe",
				Args:       []string{"--datadir=${layout.var}", "--user=${identity.user}"},
				WorkingDir: "${layout.var}",
				Restart:    formula.RestartOnFailure,
				RunAtLoad:  true,
			},
			want: Descriptor{
				Label:      "org.demo.demo",
				Program:    "/opt/keg/opt/demo/bin/demod_safe",
				Args:       []string{"--datadir=/opt/keg/var/demo", "--user=demo"},
				WorkingDir: "/opt/keg/var/demo",
				Restart:    formula.RestartOnFailure,
				RunAtLoad:  true,
			},
		},
		{
			name: "unresolved kept verbatim",
			tmpl: formula.ServiceTemplate{Program: "${layout.nowhere}/demod"},
			want: Descriptor{
				Label:      "keg.demo",
				Program:    "${layout.nowhere}/demod",
				WorkingDir: "/opt/keg/var/demo",
				Restart:    formula.RestartAlways,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Render(&tt.tmpl, l, identity)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Render:\n got %+v\nwant %+v", got, tt.want)
			}
		})
	}
}

func TestRenderAgreesWithIndependentLayout(t *testing.T) {
	tmpl := &formula.ServiceTemplate{Program: "${layout.bin}/demod"}

	a := Render(tmpl, layout.Resolve("/srv/keg", "demo", "1.0"), nil)
	b := Render(tmpl, layout.Resolve("/srv/keg", "demo", "1.0"), nil)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("renders differ: %+v vs %+v", a, b)
	}
	if a.Program != "/srv/keg/demo/1.0/bin/demod" {
		t.Errorf("unexpected program %s", a.Program)
	}
}

func TestMarshalKeepAlive(t *testing.T) {
	tests := []struct {
		restart formula.RestartPolicy
		want    string
	}{
		{formula.RestartAlways, "<key>KeepAlive</key>\n\t\t<true/>"},
		{formula.RestartNever, "<key>KeepAlive</key>\n\t\t<false/>"},
		{formula.RestartOnFailure, "<key>SuccessfulExit</key>"},
	}

	for _, tt := range tests {
		t.Run(string(tt.restart), func(t *testing.T) {
			data, err := Marshal(Descriptor{Label: "keg.demo", Program: "/bin/true", Restart: tt.restart})
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(string(data), tt.want) {
				t.Errorf("expected %q in:\n%s", tt.want, data)
			}
		})
	}
}

func TestWriteAndRead(t *testing.T) {
	l := layout.Resolve(t.TempDir(), "demo", "1.0")
	d := Render(&formula.ServiceTemplate{
		Program: "${layout.bin}/demod",
		Args:    []string{"--datadir=${layout.var}"},
	}, l, nil)

	path, err := Write(l, d)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if path != Path(l, "keg.demo") {
		t.Errorf("descriptor written to %s", path)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !reflect.DeepEqual(got, d) {
		t.Errorf("round trip:\n got %+v\nwant %+v", got, d)
	}

	// Re-install overwrites.
	d.Args = nil
	if _, err := Write(l, d); err != nil {
		t.Fatal(err)
	}
	got, err = Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Args) != 0 {
		t.Errorf("descriptor not overwritten: %+v", got)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("descriptor mode %o", info.Mode().Perm())
	}
}
