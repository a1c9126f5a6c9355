package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func record(fields map[string]any) RawVehicleRecord {
	return RawVehicleRecord{Source: "test", Fields: fields}
}

func TestValidateRecord_Valid(t *testing.T) {
	cases := []map[string]any{
		{"vin": "1HGCM82633A123456", "year": "2023", "make": "Honda", "model": "Accord"},
		{"vin": " 1hgcm82633a123456 ", "year": 2023.0, "make": "Honda", "model": "Accord"},
		{"vin": "5YJ3E1EA1NF123456", "year": json.Number("1900"), "make": "Tesla", "model": "Model 3"},
		{"vin": "WBA3A5C51CF256789", "year": 2030, "make": "BMW", "model": "328i", "price": "not a number"},
	}
	for _, f := range cases {
		v, err := ValidateRecord(record(f))
		if err != nil {
			t.Errorf("expected valid for %v, got %v", f, err)
			continue
		}
		if v.VIN != strings.ToUpper(strings.TrimSpace(f["vin"].(string))) {
			t.Errorf("VIN not normalized: %q", v.VIN)
		}
	}
}

func TestValidateRecord_Invalid(t *testing.T) {
	cases := []struct {
		name   string
		fields map[string]any
		want   error
	}{
		{"short vin", map[string]any{"vin": "BADVIN", "year": 2022, "make": "Toyota", "model": "Camry"}, ErrInvalidVIN},
		{"vin with I", map[string]any{"vin": "1HGCM82633I123456", "year": 2022, "make": "Toyota", "model": "Camry"}, ErrInvalidVIN},
		{"vin with O", map[string]any{"vin": "1HGCM82633O123456", "year": 2022, "make": "Toyota", "model": "Camry"}, ErrInvalidVIN},
		{"vin with Q", map[string]any{"vin": "1HGCM82633Q123456", "year": 2022, "make": "Toyota", "model": "Camry"}, ErrInvalidVIN},
		{"missing vin", map[string]any{"year": 2022, "make": "Toyota", "model": "Camry"}, ErrInvalidVIN},
		{"year low", map[string]any{"vin": "1HGCM82633A123456", "year": 1899, "make": "Honda", "model": "Accord"}, ErrYearOutOfRange},
		{"year high", map[string]any{"vin": "1HGCM82633A123456", "year": "2031", "make": "Honda", "model": "Accord"}, ErrYearOutOfRange},
		{"year text", map[string]any{"vin": "1HGCM82633A123456", "year": "soon", "make": "Honda", "model": "Accord"}, ErrInvalidYear},
		{"year fractional", map[string]any{"vin": "1HGCM82633A123456", "year": 2020.5, "make": "Honda", "model": "Accord"}, ErrInvalidYear},
		{"year missing", map[string]any{"vin": "1HGCM82633A123456", "make": "Honda", "model": "Accord"}, ErrInvalidYear},
		{"blank make", map[string]any{"vin": "1HGCM82633A123456", "year": 2020, "make": "   ", "model": "Accord"}, ErrMissingMake},
		{"blank model", map[string]any{"vin": "1HGCM82633A123456", "year": 2020, "make": "Honda", "model": ""}, ErrMissingModel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateRecord(record(tc.fields))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field == "" {
				t.Fatalf("expected ValidationError with field, got %#v", err)
			}
		})
	}
}

func TestValidateBatch_SplitsAndCounts(t *testing.T) {
	batch := []RawVehicleRecord{
		record(map[string]any{"vin": "1HGCM82633A123456", "year": "2023", "make": "Honda", "model": "Accord"}),
		record(map[string]any{"vin": "BADVIN", "year": "2022", "make": "Toyota", "model": "Camry"}),
		record(map[string]any{"vin": "2T1BURHE0JC012345", "year": "2018", "make": "Toyota", "model": "Corolla"}),
		record(map[string]any{}),
	}
	res := ValidateBatch(batch)

	if len(res.Valid)+len(res.Invalid) != len(batch) {
		t.Fatalf("%d + %d != %d", len(res.Valid), len(res.Invalid), len(batch))
	}
	if len(res.Valid) != 2 || res.Valid[0].VIN != "1HGCM82633A123456" || res.Valid[1].VIN != "2T1BURHE0JC012345" {
		t.Fatalf("valid = %+v", res.Valid)
	}
	if len(res.Invalid) != 2 || res.Invalid[0].Index != 1 || res.Invalid[1].Index != 3 {
		t.Fatalf("invalid = %+v", res.Invalid)
	}
	for _, rej := range res.Invalid {
		if rej.Error == "" {
			t.Fatalf("rejection without reason: %+v", rej)
		}
	}
	if !strings.Contains(res.Invalid[0].Error, "VIN format") {
		t.Fatalf("reason should mention VIN format: %s", res.Invalid[0].Error)
	}
	if res.Invalid[0].Record.Text("vin") != "BADVIN" {
		t.Fatal("rejection must carry the original record")
	}
}

func TestValidateBatch_Empty(t *testing.T) {
	res := ValidateBatch(nil)
	if res.Valid == nil || res.Invalid == nil {
		t.Fatal("empty batch should produce empty, non-nil slices")
	}
}

func TestParseChannels(t *testing.T) {
	got, err := ParseChannels([]string{"Facebook", "autotrader", "facebook"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != ChannelFacebook || got[1] != ChannelAutoTrader {
		t.Fatalf("got %v", got)
	}
	if _, err := ParseChannels([]string{"myspace"}); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
	if _, err := ParseChannels(nil); !errors.Is(err, ErrNoChannels) {
		t.Fatalf("expected ErrNoChannels, got %v", err)
	}
}

func TestParseVehicleStatus(t *testing.T) {
	if s, err := ParseVehicleStatus(" SOLD "); err != nil || s != StatusSold {
		t.Fatalf("got %q %v", s, err)
	}
	if _, err := ParseVehicleStatus("lost"); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("got %v", err)
	}
}
