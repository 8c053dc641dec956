package mega

import (
	"encoding/hex"
	"errors"
	"reflect"
	"testing"
)

var testContentKey = []uint32{0x01020304, 0x05060708, 0x090a0b0c, 0x0d0e0f10}

func TestPasswordKey(t *testing.T) {
	pk, err := password_key("correct horse")
	if err != nil {
		t.Fatal(err)
	}
	if got := hex.EncodeToString(pk); got != "34d7d398763025c1f27060c1d39f36da" {
		t.Errorf("password key %s", got)
	}

	h, err := stringhash("user@example.com", pk)
	if err != nil {
		t.Fatal(err)
	}
	if h != "0CCveHmdGow" {
		t.Errorf("stringhash %s", h)
	}
}

func TestPBKDF2LoginKey(t *testing.T) {
	pk, auth := pbkdf2LoginKey("correct horse", []byte("0123456789abcdef0123456789abcdef"))
	if got := hex.EncodeToString(pk); got != "d9d902e955f4179c7cb950a7756d473d" {
		t.Errorf("password key %s", got)
	}
	if auth != "H8Oq-T1mRLDfPT8wPXlo-g" {
		t.Errorf("auth key %s", auth)
	}
}

func TestEncryptDecryptKey(t *testing.T) {
	chain := []uint32{1, 2, 3, 4, 5, 6, 7, 8}
	wrapped, err := encryptKey(chain, testContentKey)
	if err != nil {
		t.Fatal(err)
	}
	if reflect.DeepEqual(wrapped, chain) {
		t.Fatal("key not encrypted")
	}
	// every 4 word block is wrapped on its own
	first, err := encryptKey(chain[:4], testContentKey)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, wrapped[:4]) {
		t.Errorf("first block %08x, want %08x", wrapped[:4], first)
	}

	back, err := decryptKey(wrapped, testContentKey)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back, chain) {
		t.Errorf("got %08x, want %08x", back, chain)
	}
}

func TestKeyFormatErrors(t *testing.T) {
	var kerr *KeyFormatError
	if _, err := decryptKey([]uint32{1, 2, 3, 4}, []uint32{1, 2, 3}); !errors.As(err, &kerr) {
		t.Errorf("short key: got %v", err)
	}
	if _, err := decryptKey([]uint32{1, 2, 3, 4, 5}, testContentKey); !errors.As(err, &kerr) {
		t.Errorf("ragged chain: got %v", err)
	}
	if _, err := unwrapKey("A*", testContentKey); !errors.As(err, &kerr) {
		t.Errorf("bad base64: got %v", err)
	}
}

func TestDecryptAttr(t *testing.T) {
	key, err := a32_to_bytes(testContentKey)
	if err != nil {
		t.Fatal(err)
	}
	attr, err := decryptAttr(key, "kfeH8Iz6q0gS8ZnOK8zpBAIreACEGqM2LbEVSCEFgZU")
	if err != nil {
		t.Fatal(err)
	}
	if attr.Name() != "résumé.txt" {
		t.Errorf("name %q", attr.Name())
	}
}

func TestAttrRoundTrip(t *testing.T) {
	key, err := a32_to_bytes(testContentKey)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := encryptAttr(key, FileAttr{"n": "Überweisung 2024 ✓.pdf", "c": "fingerprint"})
	if err != nil {
		t.Fatal(err)
	}
	attr, err := decryptAttr(key, enc)
	if err != nil {
		t.Fatal(err)
	}
	if attr.Name() != "Überweisung 2024 ✓.pdf" {
		t.Errorf("name %q", attr.Name())
	}
	if attr["c"] != "fingerprint" {
		t.Errorf("attributes %v", attr)
	}
}

func TestDecryptAttrWrongKey(t *testing.T) {
	key, _ := a32_to_bytes(testContentKey)
	enc, err := encryptAttr(key, FileAttr{"n": "x"})
	if err != nil {
		t.Fatal(err)
	}
	other, _ := a32_to_bytes([]uint32{9, 9, 9, 9})
	attr, err := decryptAttr(other, enc)
	if err != nil {
		t.Fatalf("want empty attributes, got %v", err)
	}
	if len(attr) != 0 || attr.Name() != "" {
		t.Errorf("got %v", attr)
	}
}

func TestDecryptAttrBadLength(t *testing.T) {
	key, _ := a32_to_bytes(testContentKey)
	_, err := decryptAttr(key, base64urlencode(make([]byte, 15)))
	if !errors.Is(err, EBADATTR) {
		t.Errorf("got %v, want EBADATTR", err)
	}
}
