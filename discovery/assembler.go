// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/soothill/ewelink-bridge/device"
	"github.com/soothill/ewelink-bridge/envelope"
	bridgeerrors "github.com/soothill/ewelink-bridge/pkg/errors"
)

// TXT attribute names advertised by eWeLink devices.
const (
	txtID      = "id"
	txtType    = "type"
	txtEncrypt = "encrypt"
	txtIV      = "iv"
)

// dataFields are concatenated in this order. A device stops emitting fields
// once the payload fits, so the first absent field ends the payload.
var dataFields = [...]string{"data1", "data2", "data3", "data4"}

// Record is one discovery record as received from mDNS. It is consumed
// immediately and never retained by the state layer.
type Record struct {
	Instance  string
	Text      map[string]string
	Addresses []device.Address
	TTL       uint32
}

// DeviceID returns the id attribute, falling back to the instance suffix
// ("eWeLink_1000abcdef").
func (r Record) DeviceID() string {
	if id := strings.TrimSpace(r.Text[txtID]); id != "" {
		return id
	}
	if i := strings.LastIndex(r.Instance, "_"); i >= 0 && i < len(r.Instance)-1 {
		return r.Instance[i+1:]
	}
	return ""
}

// Kind maps the type attribute onto a device kind.
func (r Record) Kind() (device.Kind, bool) {
	return device.ParseKind(r.Text[txtType])
}

// Encrypted reports whether the record advertises an encrypted payload.
func (r Record) Encrypted() bool {
	return strings.EqualFold(strings.TrimSpace(r.Text[txtEncrypt]), "true")
}

// Address returns the preferred address of the record.
func (r Record) Address() (device.Address, bool) {
	for _, a := range r.Addresses {
		if !a.IsZero() {
			return a, true
		}
	}
	return device.Address{}, false
}

// Payload is the decoded device state carried by a record.
type Payload struct {
	Raw    json.RawMessage
	Fields map[string]any
}

// Decode unmarshals the payload into a typed structure.
func (p *Payload) Decode(v any) error {
	return json.Unmarshal(p.Raw, v)
}

// joinData concatenates data1..data4, stopping at the first missing field.
func joinData(text map[string]string) (string, bool) {
	var b strings.Builder
	found := false
	for _, name := range dataFields {
		part, ok := text[name]
		if !ok {
			break
		}
		found = true
		b.WriteString(part)
	}
	return b.String(), found
}

// Assemble reconstructs the JSON payload of a record. Encrypted records are
// decrypted with the identity's device key; the key is checked before any
// cipher work. Addresses are not needed.
func Assemble(rec Record, id device.Identity) (*Payload, error) {
	joined, ok := joinData(rec.Text)
	if !ok {
		return nil, bridgeerrors.NewDecodeError(bridgeerrors.MalformedJSON, id.DeviceID,
			fmt.Errorf("record carries no data1 field"))
	}

	plaintext := joined
	if id.Encrypted {
		if !id.HasKey() {
			return nil, bridgeerrors.NewDecodeError(bridgeerrors.MissingKey, id.DeviceID, nil)
		}
		iv, ok := rec.Text[txtIV]
		if !ok || iv == "" {
			return nil, bridgeerrors.NewDecodeError(bridgeerrors.BadIV, id.DeviceID,
				fmt.Errorf("encrypted record has no iv field"))
		}

		var err error
		plaintext, err = envelope.Decrypt(joined, id.DeviceKey, iv)
		if err != nil {
			if errors.Is(err, envelope.ErrInvalidIV) {
				return nil, bridgeerrors.NewDecodeError(bridgeerrors.BadIV, id.DeviceID, err)
			}
			return nil, err
		}
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(plaintext), &fields); err != nil {
		return nil, bridgeerrors.NewDecodeError(bridgeerrors.MalformedJSON, id.DeviceID, err)
	}
	if fields == nil {
		return nil, bridgeerrors.NewDecodeError(bridgeerrors.MalformedJSON, id.DeviceID,
			fmt.Errorf("payload is null"))
	}

	return &Payload{Raw: json.RawMessage(plaintext), Fields: fields}, nil
}
