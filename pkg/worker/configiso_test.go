package worker

import (
	"encoding/json"
	"testing"

	"github.com/talus-io/talus/pkg/types"
)

func TestGuestConfigMarshalsExpectedShape(t *testing.T) {
	cfg := GuestConfig{
		ID:      "job-1",
		Idx:     2,
		Tool:    "nmap-scan",
		Params:  map[string]any{"target": "10.0.0.0/24"},
		FileSet: "fileset-1",
		DBHost:  "db.talus.internal",
		Code: types.CodeCredentials{
			Loc:      "git@code.talus.internal:tools/nmap-scan",
			Username: "ci",
			Password: "plaintext-for-guest",
		},
		Debug: true,
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}

	for _, key := range []string{"id", "idx", "tool", "params", "fileset", "db_host", "code", "debug"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("marshaled guest config missing key %q: %s", key, raw)
		}
	}

	code, ok := decoded["code"].(map[string]any)
	if !ok {
		t.Fatalf("code field is not an object: %s", raw)
	}
	if code["loc"] != cfg.Code.Loc {
		t.Errorf("code.loc = %v, want %v", code["loc"], cfg.Code.Loc)
	}
}
