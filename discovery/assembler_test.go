// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package discovery

import (
	"encoding/base64"
	"testing"

	"github.com/soothill/ewelink-bridge/device"
	"github.com/soothill/ewelink-bridge/envelope"
	bridgeerrors "github.com/soothill/ewelink-bridge/pkg/errors"
)

func plainIdentity() device.Identity {
	return device.Identity{DeviceID: "1000abcdef", Kind: device.KindPlug}
}

func encryptedRecord(t *testing.T, plaintext, key string, split int) Record {
	t.Helper()
	env, err := envelope.Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	ct := env.CiphertextBase64()
	text := map[string]string{
		"id":      "1000abcdef",
		"type":    "plug",
		"encrypt": "true",
		"iv":      env.IVBase64(),
	}
	if split > 0 && split < len(ct) {
		text["data1"] = ct[:split]
		text["data2"] = ct[split:]
	} else {
		text["data1"] = ct
	}
	return Record{Instance: "eWeLink_1000abcdef", Text: text}
}

func TestAssemble_Plain(t *testing.T) {
	tests := []struct {
		name   string
		text   map[string]string
		wantSw string
	}{
		{
			name:   "data1 only",
			text:   map[string]string{"data1": `{"switch":"on","startup":"stay"}`},
			wantSw: "on",
		},
		{
			name: "data1 and data2 concatenated in order",
			text: map[string]string{
				"data1": `{"switch":"of`,
				"data2": `f","rssi":-61}`,
			},
			wantSw: "off",
		},
		{
			name: "all four fields",
			text: map[string]string{
				"data1": `{"sw`,
				"data2": `itch`,
				"data3": `":"o`,
				"data4": `n"}`,
			},
			wantSw: "on",
		},
		{
			name: "gap stops concatenation",
			text: map[string]string{
				"data1": `{"switch":"on"}`,
				"data3": `garbage`,
			},
			wantSw: "on",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := Assemble(Record{Text: tt.text}, plainIdentity())
			if err != nil {
				t.Fatalf("Assemble() error = %v", err)
			}
			if got := payload.Fields["switch"]; got != tt.wantSw {
				t.Errorf("switch = %v, want %v", got, tt.wantSw)
			}
		})
	}
}

func TestAssemble_Encrypted(t *testing.T) {
	const key = "6f5c3b19-2b1e-4f0b-9e1d-0123456789ab"
	plaintext := `{"switches":[{"switch":"on","outlet":0},{"switch":"off","outlet":1}],"sledOnline":"on"}`

	id := device.Identity{DeviceID: "1000abcdef", Kind: device.KindStrip, Encrypted: true, DeviceKey: key}

	for _, split := range []int{0, 10, 33} {
		rec := encryptedRecord(t, plaintext, key, split)
		payload, err := Assemble(rec, id)
		if err != nil {
			t.Fatalf("Assemble(split=%d) error = %v", split, err)
		}
		if string(payload.Raw) != plaintext {
			t.Errorf("Raw = %s, want %s", payload.Raw, plaintext)
		}

		var decoded struct {
			SledOnline string `json:"sledOnline"`
		}
		if err := payload.Decode(&decoded); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if decoded.SledOnline != "on" {
			t.Errorf("sledOnline = %q, want on", decoded.SledOnline)
		}
	}
}

func TestAssemble_Errors(t *testing.T) {
	const key = "k"
	good := encryptedRecord(t, `{"switch":"on"}`, key, 0)
	encID := device.Identity{DeviceID: "1000abcdef", Kind: device.KindPlug, Encrypted: true, DeviceKey: key}

	withText := func(base Record, mutate func(map[string]string)) Record {
		text := make(map[string]string, len(base.Text))
		for k, v := range base.Text {
			text[k] = v
		}
		mutate(text)
		return Record{Text: text}
	}

	tests := []struct {
		name       string
		rec        Record
		id         device.Identity
		wantReason bridgeerrors.DecodeReason
		wantDecryp bool
	}{
		{
			name:       "no data1",
			rec:        Record{Text: map[string]string{"data2": `{"switch":"on"}`}},
			id:         plainIdentity(),
			wantReason: bridgeerrors.MalformedJSON,
		},
		{
			name:       "not json",
			rec:        Record{Text: map[string]string{"data1": `{"switch":`}},
			id:         plainIdentity(),
			wantReason: bridgeerrors.MalformedJSON,
		},
		{
			name:       "json but not an object",
			rec:        Record{Text: map[string]string{"data1": `[1,2]`}},
			id:         plainIdentity(),
			wantReason: bridgeerrors.MalformedJSON,
		},
		{
			name:       "json null",
			rec:        Record{Text: map[string]string{"data1": `null`}},
			id:         plainIdentity(),
			wantReason: bridgeerrors.MalformedJSON,
		},
		{
			name:       "encrypted without key",
			rec:        good,
			id:         device.Identity{DeviceID: "1000abcdef", Kind: device.KindPlug, Encrypted: true},
			wantReason: bridgeerrors.MissingKey,
		},
		{
			name:       "iv missing",
			rec:        withText(good, func(m map[string]string) { delete(m, "iv") }),
			id:         encID,
			wantReason: bridgeerrors.BadIV,
		},
		{
			name:       "iv not base64",
			rec:        withText(good, func(m map[string]string) { m["iv"] = "***" }),
			id:         encID,
			wantReason: bridgeerrors.BadIV,
		},
		{
			name: "iv wrong size",
			rec: withText(good, func(m map[string]string) {
				m["iv"] = base64.StdEncoding.EncodeToString([]byte("eight..."))
			}),
			id:         encID,
			wantReason: bridgeerrors.BadIV,
		},
		{
			name:       "ciphertext corrupted",
			rec:        withText(good, func(m map[string]string) { m["data1"] = "QUJD" }),
			id:         encID,
			wantDecryp: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := Assemble(tt.rec, tt.id)
			if err == nil {
				t.Fatalf("Assemble() = %v, want error", payload)
			}
			if tt.wantDecryp {
				if !bridgeerrors.IsDecryptError(err) {
					t.Errorf("Assemble() error = %v, want DecryptError", err)
				}
				return
			}
			if got := bridgeerrors.DecodeReasonOf(err); got != tt.wantReason {
				t.Errorf("reason = %q, want %q (err=%v)", got, tt.wantReason, err)
			}
		})
	}
}

func TestAssemble_MissingKeyNeverDecrypts(t *testing.T) {
	// The iv and ciphertext are garbage: reaching the cipher would yield
	// BadIV or DecryptError instead of MissingKey.
	rec := Record{Text: map[string]string{
		"encrypt": "true",
		"iv":      "***",
		"data1":   "!!!",
	}}
	id := device.Identity{DeviceID: "d", Kind: device.KindPlug, Encrypted: true}

	_, err := Assemble(rec, id)
	if got := bridgeerrors.DecodeReasonOf(err); got != bridgeerrors.MissingKey {
		t.Errorf("reason = %q, want %q (err=%v)", got, bridgeerrors.MissingKey, err)
	}
	if bridgeerrors.IsDecryptError(err) {
		t.Errorf("error should not be a DecryptError: %v", err)
	}
}

func TestRecord_Accessors(t *testing.T) {
	rec := Record{
		Instance: "eWeLink_1000fedcba",
		Text:     map[string]string{"type": "strip", "encrypt": "TRUE"},
		Addresses: []device.Address{
			{},
			{Host: "192.168.1.40", Port: 8081},
		},
	}

	if got := rec.DeviceID(); got != "1000fedcba" {
		t.Errorf("DeviceID() = %q, want instance suffix", got)
	}
	rec.Text["id"] = "1000aaaaaa"
	if got := rec.DeviceID(); got != "1000aaaaaa" {
		t.Errorf("DeviceID() = %q, want id attribute", got)
	}
	if kind, ok := rec.Kind(); !ok || kind != device.KindStrip {
		t.Errorf("Kind() = %v, %v", kind, ok)
	}
	if !rec.Encrypted() {
		t.Error("Encrypted() = false, want true")
	}
	addr, ok := rec.Address()
	if !ok || addr.String() != "192.168.1.40:8081" {
		t.Errorf("Address() = %v, %v", addr, ok)
	}

	if (Record{Instance: "nounderscore"}).DeviceID() != "" {
		t.Error("DeviceID() should be empty without id or suffix")
	}
	if _, ok := (Record{}).Address(); ok {
		t.Error("Address() should report false without addresses")
	}
}
