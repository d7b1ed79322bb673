package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"whole", "1000", "1000.00"},
		{"two places", "500.25", "500.25"},
		{"one place", "12.5", "12.50"},
		{"rounds half up", "0.005", "0.01"},
		{"rounds down", "1.234", "1.23"},
		{"leading zeros", "007.50", "7.50"},
		{"padded", "  42 ", "42.00"},
		{"empty is zero", "", "0.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) returned error: %v", tt.input, err)
			}
			if Format(got) != tt.expected {
				t.Errorf("Parse(%q) = %s, want %s", tt.input, Format(got), tt.expected)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, input := range []string{"abc", "1.2.3", "1,000", "$5"} {
		if _, err := Parse(input); err != ErrInvalid {
			t.Errorf("Parse(%q) error = %v, want ErrInvalid", input, err)
		}
	}
	if _, err := Parse("-1"); err != ErrNegative {
		t.Errorf("Parse(-1) error = %v, want ErrNegative", err)
	}
}

func TestWithin(t *testing.T) {
	if !Within(MustParse("950.00"), MustParse("950.01")) {
		t.Error("expected 950.00 and 950.01 to be within tolerance")
	}
	if Within(MustParse("950.00"), MustParse("950.02")) {
		t.Error("expected 950.00 and 950.02 to be outside tolerance")
	}
}

func TestSum(t *testing.T) {
	got := Sum(MustParse("333.33"), MustParse("333.33"), MustParse("333.34"))
	if !got.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("Sum = %s, want 1000", got)
	}
}

func TestCents(t *testing.T) {
	if c := ToCents(MustParse("500.25")); c != 50025 {
		t.Errorf("ToCents = %d, want 50025", c)
	}
	if d := FromCents(45000); Format(d) != "450.00" {
		t.Errorf("FromCents = %s, want 450.00", Format(d))
	}
}

func TestPositive(t *testing.T) {
	if Positive(Zero) {
		t.Error("zero should not be positive")
	}
	if !Positive(MustParse("0.01")) {
		t.Error("0.01 should be positive")
	}
}
