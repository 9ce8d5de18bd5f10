package validation

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestIsSupportedAsset(t *testing.T) {
	for _, asset := range []string{"BTC", "ETH", "USDT", "btc", "eth"} {
		if !IsSupportedAsset(asset) {
			t.Errorf("expected %q to be supported", asset)
		}
	}
	for _, asset := range []string{"", "DOGE", "XRP", "BT C"} {
		if IsSupportedAsset(asset) {
			t.Errorf("expected %q to be unsupported", asset)
		}
	}
}

func TestIsValidWalletAddress(t *testing.T) {
	valid := []string{
		"bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq",
		"0x71C7656EC7ab88b098defB751B7401B5f6d8976F",
		"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
	}
	for _, addr := range valid {
		if !IsValidWalletAddress(addr) {
			t.Errorf("expected %q to be valid", addr)
		}
	}

	invalid := []string{"", "short", "has spaces in it which is wrong", "bad!chars#here$bad!chars#here"}
	for _, addr := range invalid {
		if IsValidWalletAddress(addr) {
			t.Errorf("expected %q to be invalid", addr)
		}
	}
}

func TestPositiveAmount(t *testing.T) {
	if err := PositiveAmount("amount", decimal.NewFromFloat(0.01))(); err != nil {
		t.Errorf("expected 0.01 to pass, got %v", err)
	}
	if err := PositiveAmount("amount", decimal.Zero)(); err == nil {
		t.Error("expected zero amount to fail")
	}
	if err := PositiveAmount("amount", decimal.NewFromInt(-5))(); err == nil {
		t.Error("expected negative amount to fail")
	}
}

func TestPositiveAmountString(t *testing.T) {
	cases := []struct {
		value string
		ok    bool
	}{
		{"0.01", true},
		{"1500000", true},
		{"", true}, // empty deferred to Required
		{"0", false},
		{"-1", false},
		{"abc", false},
		{"1.2.3", false},
	}
	for _, tc := range cases {
		err := PositiveAmountString("amount", tc.value)()
		if tc.ok && err != nil {
			t.Errorf("value %q: unexpected error %v", tc.value, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("value %q: expected error", tc.value)
		}
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("requester_id", ""),
		ValidAsset("asset", "DOGE"),
		PositiveAmountString("amount", "0"),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() == "" {
		t.Error("expected non-empty error string")
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello\x00world  ", 100); got != "helloworld" {
		t.Errorf("unexpected sanitized value %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("expected truncation, got %q", got)
	}
}
