package dataset

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Kind
	}{
		{"text", KindText},
		{"TEXT", KindText},
		{" numeric ", KindNumeric},
		{"float8", KindNumeric},
		{"int4", KindInteger},
		{"int", KindInteger},
		{"timestamp", KindTimestamp},
		{"date", KindTimestamp},
		{"bool", KindBoolean},
		{"json", KindJSON},
		{"_text", KindJSON},
		{"", KindText},
		{"geometry", KindText},
	}
	for _, tc := range tests {
		if got := KindOf(tc.in); got != tc.want {
			t.Fatalf("KindOf(%q)=%v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestRecordUnmarshal_PreservesOrderAndNumbers(t *testing.T) {
	t.Parallel()

	var r Record
	if err := json.Unmarshal([]byte(`{"z": 1.50, "a": "x", "m": null, "b": true}`), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := strings.Join(r.Keys, ","); got != "z,a,m,b" {
		t.Fatalf("keys=%q, want z,a,m,b", got)
	}
	n, ok := r.Values["z"].(json.Number)
	if !ok || n.String() != "1.50" {
		t.Fatalf("z=%#v, want json.Number(1.50)", r.Values["z"])
	}
	if v, ok := r.Get("m"); !ok || v != nil {
		t.Fatalf("m=%v present=%v, want nil/true", v, ok)
	}
}

func TestRecordMarshal_RoundTripsOrder(t *testing.T) {
	t.Parallel()

	r := NewRecord("id", 1, "name", `Law "Omnibus"`)
	if got := r.String(); got != `{"id":1,"name":"Law \"Omnibus\""}` {
		t.Fatalf("String()=%s", got)
	}
}

func TestDecodePage(t *testing.T) {
	t.Parallel()

	body := `{
	  "success": true,
	  "result": {
	    "fields": [{"id": "id", "type": "int"}, {"id": "name", "type": "text"}],
	    "records": [{"id": 1, "name": "Ley A"}, {"id": 2, "name": "Ley B"}],
	    "total": 3,
	    "_links": {"next": "/api/3/action/datastore_search?offset=2"}
	  }
	}`

	p, err := DecodePage(strings.NewReader(body))
	if err != nil {
		t.Fatalf("DecodePage: %v", err)
	}
	if !p.Success || p.Total != 3 || p.Returned != 2 || len(p.Records) != 2 {
		t.Fatalf("unexpected page: %+v", p)
	}
	if p.Next != "/api/3/action/datastore_search?offset=2" {
		t.Fatalf("next=%q", p.Next)
	}
	if len(p.Fields) != 2 || p.Fields[1].ID != "name" || p.Fields[1].Kind() != KindText {
		t.Fatalf("fields=%+v", p.Fields)
	}
}

func TestDecodePage_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		wantErr bool
		success bool
	}{
		{name: "not_json", body: "<html>", wantErr: true},
		{name: "missing_success", body: `{"result": {}}`, wantErr: true},
		{name: "missing_result", body: `{"success": true}`, wantErr: true},
		{name: "bad_total", body: `{"success": true, "result": {"total": 1.5}}`, wantErr: true},
		{name: "backend_failure", body: `{"success": false, "error": {"message": "nope"}}`, success: false},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := DecodePage(strings.NewReader(tc.body))
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tc.wantErr)
			}
			if tc.wantErr {
				return
			}
			if p.Success != tc.success {
				t.Fatalf("success=%v want %v", p.Success, tc.success)
			}
		})
	}
}
