package bus

import "testing"

func TestAuthenticatorOpenMode(t *testing.T) {
	a := NewAuthenticator("", nil)
	if a.Enabled() {
		t.Fatalf("empty secret should yield a disabled authenticator")
	}
	if !a.VerifyRaw([]byte("body"), []byte("garbage")) {
		t.Fatalf("open mode must accept any tag")
	}
	if !a.Verify([]byte("body"), "not-hex") {
		t.Fatalf("open mode must accept any hex signature")
	}
}

func TestAuthenticatorRoundTrip(t *testing.T) {
	a := NewAuthenticator("s3cret", []byte("saltsaltsaltsalt"))
	if !a.Enabled() {
		t.Fatalf("non-empty secret must enable the authenticator")
	}
	body := []byte("frame-bytes")

	tag := a.SignRaw(body)
	if !a.VerifyRaw(body, tag) {
		t.Fatalf("VerifyRaw rejected a tag it just produced")
	}

	sig := a.Sign(body)
	if !a.Verify(body, sig) {
		t.Fatalf("Verify rejected a signature it just produced")
	}
}

func TestAuthenticatorRejectsTamperedBody(t *testing.T) {
	a := NewAuthenticator("s3cret", []byte("saltsaltsaltsalt"))
	body := []byte("frame-bytes")
	tag := a.SignRaw(body)

	if a.VerifyRaw([]byte("frame-Bytes"), tag) {
		t.Fatalf("VerifyRaw accepted a tampered body")
	}
}

func TestAuthenticatorDifferentSecretsDisagree(t *testing.T) {
	a := NewAuthenticator("s3cret", []byte("saltsaltsaltsalt"))
	b := NewAuthenticator("different", []byte("saltsaltsaltsalt"))
	body := []byte("frame-bytes")

	if b.VerifyRaw(body, a.SignRaw(body)) {
		t.Fatalf("a different secret must not verify another authenticator's tag")
	}
}
