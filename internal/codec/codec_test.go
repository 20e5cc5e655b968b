package codec

import (
	"testing"

	"github.com/mmalmi/hashtree/internal/hashing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	n := &TreeNode{
		Links: []Link{
			{Hash: hashing.Sum([]byte("a")), Name: "a.txt", HasSize: true, Size: 10},
			{Hash: hashing.Sum([]byte("b")), Name: "b.txt", HasSize: true, Size: 20, HasKey: true, Key: hashing.Sum([]byte("key"))},
		},
		HasSize:  true,
		Size:     30,
		Metadata: map[string]string{"z": "1", "a": "2"},
	}
	data := EncodeTree(n)
	if !IsTreeNode(data) {
		t.Fatal("encoded tree not recognised as a tree node")
	}
	got, err := DecodeTree(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Links) != 2 || got.Links[0].Name != "a.txt" || got.Links[1].Size != 20 {
		t.Fatalf("unexpected decoded links: %+v", got.Links)
	}
	if !got.Links[1].HasKey || got.Links[1].Key != n.Links[1].Key {
		t.Fatalf("key not preserved: %+v", got.Links[1])
	}
	if got.Metadata["z"] != "1" || got.Metadata["a"] != "2" {
		t.Fatalf("metadata not preserved: %+v", got.Metadata)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	n := &TreeNode{Links: []Link{
		{Hash: hashing.Sum([]byte("x")), Name: "x", HasSize: true, Size: 1},
	}}
	a := EncodeTree(n)
	b := EncodeTree(n)
	if string(a) != string(b) {
		t.Fatal("encoding is not deterministic across calls")
	}
	if HashTree(n) != HashTree(n) {
		t.Fatal("hash is not deterministic across calls")
	}
}

func TestDecodeRejectsOutOfOrderLinks(t *testing.T) {
	n := &TreeNode{Links: []Link{
		{Hash: hashing.Sum([]byte("b")), Name: "b", HasSize: true, Size: 1},
		{Hash: hashing.Sum([]byte("a")), Name: "a", HasSize: true, Size: 1},
	}}
	data := EncodeTree(n)
	if _, err := DecodeTree(data); err == nil {
		t.Fatal("expected decode to reject out-of-order links")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	if _, err := DecodeTree([]byte{0x00, 0x01}); err == nil {
		t.Fatal("expected malformed-node error for non-tree bytes")
	}
	if IsTreeNode([]byte{0x00}) {
		t.Fatal("non-magic byte wrongly recognised as a tree node")
	}
}

func TestIsDirectory(t *testing.T) {
	dir := &TreeNode{Links: []Link{{Name: "a"}}}
	file := &TreeNode{Links: []Link{{IsTreeNode: false}}}
	if !dir.IsDirectory() {
		t.Fatal("expected named links to be a directory")
	}
	if file.IsDirectory() {
		t.Fatal("expected unnamed links not to be a directory")
	}
}
