package webhooks

import "testing"

func TestSignAndVerifyHMAC(t *testing.T) {
	body := []byte(`{"event":"shipment.delivered"}`)
	sig := SignHMAC("s3cret", body)
	if !VerifyHMAC("s3cret", body, sig) {
		t.Fatalf("expected signature to verify")
	}
	if VerifyHMAC("other", body, sig) {
		t.Fatalf("wrong secret must not verify")
	}
	if VerifyHMAC("s3cret", append(body, ' '), sig) {
		t.Fatalf("modified body must not verify")
	}
	if VerifyHMAC("s3cret", body, "zz") {
		t.Fatalf("non-hex signature must not verify")
	}
}

func TestVerifyHMACSHA512(t *testing.T) {
	body := []byte(`{"event":"shipment.in-transit"}`)
	sig := SignHMACSHA512("ta", body)
	if len(sig) != 128 {
		t.Fatalf("want 128 hex chars, got %d", len(sig))
	}
	if !VerifyHMACSHA512("ta", body, sig) {
		t.Fatalf("expected sha512 signature to verify")
	}
	if VerifyHMAC("ta", body, sig) {
		t.Fatalf("sha512 signature must not pass the sha256 check")
	}
}

func TestEmptySecretNeverVerifies(t *testing.T) {
	body := []byte(`{}`)
	if VerifyHMAC("", body, SignHMAC("", body)) {
		t.Fatalf("unset secret must reject")
	}
}
