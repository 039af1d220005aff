package ocpp

import (
	"encoding/json"
	"testing"
)

func TestParseFrameCall(t *testing.T) {
	raw := []byte(`[2,"19223201","BootNotification",{"chargePointVendor":"V","chargePointModel":"Sim"}]`)
	f, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if f.Type != MessageTypeCall || f.UniqueID != "19223201" || f.Action != "BootNotification" {
		t.Errorf("frame = %+v", f)
	}
	if f.Payload["chargePointModel"] != "Sim" {
		t.Errorf("payload = %v", f.Payload)
	}
}

func TestParseFrameCallResult(t *testing.T) {
	f, err := ParseFrame([]byte(`[3,"19223201",{"status":"Accepted"}]`))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if f.Type != MessageTypeCallResult || f.Payload["status"] != "Accepted" {
		t.Errorf("frame = %+v", f)
	}
}

func TestParseFrameCallError(t *testing.T) {
	f, err := ParseFrame([]byte(`[4,"77","NotImplemented","no such action",{}]`))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if f.ErrorCode != "NotImplemented" || f.ErrorDescription != "no such action" {
		t.Errorf("frame = %+v", f)
	}
}

func TestParseFrameMalformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{"a":1}`,
		`[2,"id"]`,
		`[9,"id",{}]`,
		`[2,"id","Action"]`,
		`[4,"id","Code","Desc"]`,
	}
	for _, raw := range cases {
		if _, err := ParseFrame([]byte(raw)); err == nil {
			t.Errorf("ParseFrame(%q) accepted malformed frame", raw)
		}
	}
}

func TestEncodeCallRoundTrip(t *testing.T) {
	raw, err := EncodeCall("m1", "Reset", map[string]any{"type": "Soft"})
	if err != nil {
		t.Fatalf("EncodeCall: %v", err)
	}
	var arr []any
	if err := json.Unmarshal(raw, &arr); err != nil {
		t.Fatalf("encoded frame is not JSON: %v", err)
	}
	if len(arr) != 4 || arr[0].(float64) != 2 || arr[2] != "Reset" {
		t.Errorf("encoded = %v", arr)
	}
	if got := ActionOf(raw); got != "Reset" {
		t.Errorf("ActionOf = %q", got)
	}
}
