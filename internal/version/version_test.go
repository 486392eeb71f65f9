package version

import (
	"runtime/debug"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFromBuildInfo(t *testing.T) {
	for _, tt := range []struct {
		name      string
		bi        *debug.BuildInfo
		want      Info
		wantOK    bool
		wantURL   string
		wantBrief string
	}{
		{
			name: "vcs checkout",
			bi: &debug.BuildInfo{
				GoVersion: "go1.25.1",
				Settings: []debug.BuildSetting{
					{Key: "vcs.revision", Value: "7a5757f46310b7c1"},
					{Key: "vcs.modified", Value: "true"},
				},
			},
			want:      Info{Revision: "7a5757f46310b7c1", Modified: true, GoVersion: "go1.25.1"},
			wantOK:    true,
			wantURL:   "https://github.com/usbflash/tools/commit/7a5757f46310b7c1 (modified)",
			wantBrief: "g7a5757+",
		},
		{
			name: "module install",
			bi: &debug.BuildInfo{
				Main: debug.Module{Version: "v0.0.0-20230107144322-7a5757f46310"},
			},
			want:      Info{Revision: "7a5757f46310"},
			wantOK:    true,
			wantURL:   "https://github.com/usbflash/tools/commit/7a5757f46310",
			wantBrief: "g7a5757",
		},
		{
			name:   "devel",
			bi:     &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}},
			wantOK: false,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := fromBuildInfo(tt.bi)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v; want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("fromBuildInfo: diff (-want +got):\n%s", diff)
			}
			if got, want := got.URL(), tt.wantURL; got != want {
				t.Errorf("URL() = %q; want %q", got, want)
			}
			if got, want := got.Brief(), tt.wantBrief; got != want {
				t.Errorf("Brief() = %q; want %q", got, want)
			}
		})
	}
}
