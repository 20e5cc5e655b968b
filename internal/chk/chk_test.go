package chk

import "testing"

func TestEncryptIsConvergent(t *testing.T) {
	data := []byte("the same plaintext every time")
	ct1, cid1, err := Encrypt(data)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ct2, cid2, err := Encrypt(data)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if string(ct1) != string(ct2) {
		t.Fatal("identical plaintexts produced different ciphertexts")
	}
	if cid1.Hash != cid2.Hash || cid1.Key != cid2.Key {
		t.Fatal("identical plaintexts produced different CIDs")
	}
}

func TestEncryptDifferentPlaintextsDiverge(t *testing.T) {
	_, cid1, _ := Encrypt([]byte("one"))
	_, cid2, _ := Encrypt([]byte("two"))
	if cid1.Hash == cid2.Hash || cid1.Key == cid2.Key {
		t.Fatal("distinct plaintexts collided")
	}
}

func TestDecryptRoundTrip(t *testing.T) {
	data := []byte("round trip me")
	ct, cid, err := Encrypt(data)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := Decrypt(ct, cid.Key)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("decrypt mismatch: got %q want %q", got, data)
	}
}

func TestDecryptFailsOnWrongKey(t *testing.T) {
	ct, _, err := Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	_, wrongCID, _ := Encrypt([]byte("other"))
	if _, err := Decrypt(ct, wrongCID.Key); err == nil {
		t.Fatal("expected decryption failure with wrong key")
	}
}
