package activitypub

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"testing"
	"time"
)

func generateTestKeys(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	pubPem := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return key, string(pubPem)
}

func signedTestRequest(t *testing.T, key *rsa.PrivateKey, keyId string, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest("POST", "https://local.example/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", "local.example")
	req.Header.Set("Content-Type", ContentType)

	if err := SignRequest(req, body, key, keyId); err != nil {
		t.Fatalf("Failed to sign request: %v", err)
	}
	return req
}

func TestSignAndVerifyRoundtrip(t *testing.T) {
	key, pubPem := generateTestKeys(t)
	keyId := "https://remote.example/users/bob#main-key"
	body := []byte(`{"type":"Like"}`)

	req := signedTestRequest(t, key, keyId, body)
	if req.Header.Get("Signature") == "" {
		t.Fatal("Expected Signature header to be set")
	}
	if req.Header.Get("Digest") == "" {
		t.Fatal("Expected Digest header to be set")
	}

	actorURI, err := VerifyRequest(req, pubPem)
	if err != nil {
		t.Fatalf("Failed to verify valid signature: %v", err)
	}
	if actorURI != "https://remote.example/users/bob" {
		t.Errorf("Unexpected actor URI: %s", actorURI)
	}
}

func TestVerifyWrongKeyFails(t *testing.T) {
	key, _ := generateTestKeys(t)
	_, otherPubPem := generateTestKeys(t)

	req := signedTestRequest(t, key, "https://remote.example/users/bob#main-key", []byte(`{}`))
	if _, err := VerifyRequest(req, otherPubPem); err == nil {
		t.Error("Expected verification with a different key to fail")
	}
}

func TestVerifyTamperedDateFails(t *testing.T) {
	key, pubPem := generateTestKeys(t)

	req := signedTestRequest(t, key, "https://remote.example/users/bob#main-key", []byte(`{}`))
	req.Header.Set("Date", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))

	if _, err := VerifyRequest(req, pubPem); err == nil {
		t.Error("Expected verification with a tampered header to fail")
	}
}

func TestSignatureKeyId(t *testing.T) {
	key, _ := generateTestKeys(t)
	keyId := "https://remote.example/users/bob#main-key"

	req := signedTestRequest(t, key, keyId, []byte(`{}`))
	extracted, err := SignatureKeyId(req)
	if err != nil {
		t.Fatalf("Failed to extract key id: %v", err)
	}
	if extracted != keyId {
		t.Errorf("Expected key id %s, got %s", keyId, extracted)
	}
}

func TestKeyIdToActorURI(t *testing.T) {
	if got := KeyIdToActorURI("https://a.example/users/bob#main-key"); got != "https://a.example/users/bob" {
		t.Errorf("Unexpected actor URI: %s", got)
	}
	if got := KeyIdToActorURI("https://a.example/users/bob"); got != "https://a.example/users/bob" {
		t.Errorf("Expected fragment-free key id to pass through, got %s", got)
	}
}

func TestParseKeyRoundtrip(t *testing.T) {
	key, pubPem := generateTestKeys(t)

	privPem := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	parsedPriv, err := ParsePrivateKey(string(privPem))
	if err != nil {
		t.Fatalf("Failed to parse private key: %v", err)
	}
	if parsedPriv.N.Cmp(key.N) != 0 {
		t.Error("Parsed private key does not match original")
	}

	parsedPub, err := ParsePublicKey(pubPem)
	if err != nil {
		t.Fatalf("Failed to parse public key: %v", err)
	}
	if parsedPub.N.Cmp(key.PublicKey.N) != 0 {
		t.Error("Parsed public key does not match original")
	}

	if _, err := ParsePublicKey("not a pem"); err == nil {
		t.Error("Expected garbage input to fail")
	}
}
