package cryptoutil

import "testing"

func TestWrapAndUnwrapGroupKey_RoundTrip(t *testing.T) {
	recipient, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	defer recipient.Close()

	groupKey, err := NewGroupKey()
	if err != nil {
		t.Fatalf("NewGroupKey: %v", err)
	}

	wrapped, err := WrapGroupKey(groupKey, recipient.Public)
	if err != nil {
		t.Fatalf("WrapGroupKey: %v", err)
	}

	unwrapped, err := UnwrapGroupKey(wrapped, recipient.Private)
	if err != nil {
		t.Fatalf("UnwrapGroupKey: %v", err)
	}
	if string(unwrapped) != string(groupKey) {
		t.Fatalf("unwrapped key does not match original")
	}
}

func TestUnwrapGroupKey_WrongRecipientFails(t *testing.T) {
	recipient, _ := GenerateIdentity()
	defer recipient.Close()
	other, _ := GenerateIdentity()
	defer other.Close()

	groupKey, _ := NewGroupKey()
	wrapped, err := WrapGroupKey(groupKey, recipient.Public)
	if err != nil {
		t.Fatalf("WrapGroupKey: %v", err)
	}

	if _, err := UnwrapGroupKey(wrapped, other.Private); err != ErrIntegrity {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

func TestGenerateIdentity_DistinctKeys(t *testing.T) {
	a, _ := GenerateIdentity()
	defer a.Close()
	b, _ := GenerateIdentity()
	defer b.Close()

	if a.Public == b.Public {
		t.Fatalf("expected distinct public keys")
	}
}
