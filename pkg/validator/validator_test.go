package validator

import (
	"testing"
)

type testRule struct {
	Address string `json:"address" validate:"required,ip"`
	GroupID string `json:"group_id" validate:"required"`
	Port    int    `json:"port" validate:"gte=1,lte=65535"`
}

func TestValidateStructSuccess(t *testing.T) {
	payload := testRule{
		Address: "10.0.0.5",
		GroupID: "sg-0123456789",
		Port:    22,
	}

	if err := ValidateStruct(payload); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateStructFailures(t *testing.T) {
	payload := testRule{
		Address: "not-an-ip",
		GroupID: "",
		Port:    70000,
	}

	err := ValidateStruct(payload)
	if err == nil {
		t.Fatal("expected validation error")
	}

	vErrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}

	if len(vErrs) != 3 {
		t.Fatalf("expected 3 validation errors, got %d", len(vErrs))
	}

	foundAddress := false
	for _, v := range vErrs {
		if v.Field == "address" && v.Tag == "ip" {
			foundAddress = true
		}
	}

	if !foundAddress {
		t.Fatal("expected address field to be present in validation errors")
	}
}

func TestValidateVar(t *testing.T) {
	if err := ValidateVar("2001:db8::1", "required,ip"); err != nil {
		t.Fatalf("expected ipv6 address to validate, got %v", err)
	}
	if err := ValidateVar("10.0.0.300", "required,ip"); err == nil {
		t.Fatal("expected invalid address to fail")
	}
}
