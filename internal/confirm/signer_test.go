package confirm

import (
	"bytes"
	"encoding/base64"
	"testing"
	"time"
)

const testIdentitySecret = "aWRlbnRpdHktc2VjcmV0LWZvci10ZXN0"

func TestSignDeterministic(t *testing.T) {
	now := time.Unix(1700000000, 0)

	first, err := Sign(TagAllow, testIdentitySecret, now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	second, err := Sign(TagAllow, testIdentitySecret, now)
	if err != nil {
		t.Fatalf("sign again: %v", err)
	}

	if !bytes.Equal(first.Key, second.Key) {
		t.Fatalf("同样输入得到了不同的密钥")
	}
	if first.Timestamp != now.Unix() {
		t.Fatalf("unexpected timestamp: got %d want %d", first.Timestamp, now.Unix())
	}
	if first.Tag != TagAllow {
		t.Fatalf("unexpected tag: %q", first.Tag)
	}
}

func TestSignVariesByTagAndTime(t *testing.T) {
	now := time.Unix(1700000000, 0)

	allow, err := Sign(TagAllow, testIdentitySecret, now)
	if err != nil {
		t.Fatalf("sign allow: %v", err)
	}
	cancel, err := Sign(TagCancel, testIdentitySecret, now)
	if err != nil {
		t.Fatalf("sign cancel: %v", err)
	}
	if bytes.Equal(allow.Key, cancel.Key) {
		t.Fatalf("不同标签不应得到相同密钥")
	}

	later, err := Sign(TagAllow, testIdentitySecret, now.Add(time.Second))
	if err != nil {
		t.Fatalf("sign later: %v", err)
	}
	if bytes.Equal(allow.Key, later.Key) {
		t.Fatalf("不同时间戳不应得到相同密钥")
	}
}

func TestSignValidatesSecret(t *testing.T) {
	now := time.Unix(1700000000, 0)

	if _, err := Sign(TagAllow, "", now); err == nil {
		t.Fatalf("空密钥应当报错")
	}
	if _, err := Sign(TagAllow, "   ", now); err == nil {
		t.Fatalf("空白密钥应当报错")
	}
	if _, err := Sign(TagAllow, "not-base64!!!", now); err == nil {
		t.Fatalf("非法 base64 密钥应当报错")
	}
}

func TestEncodedKeyRoundTrip(t *testing.T) {
	req, err := Sign(TagConfirmations, testIdentitySecret, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(req.EncodedKey())
	if err != nil {
		t.Fatalf("decode encoded key: %v", err)
	}
	if !bytes.Equal(decoded, req.Key) {
		t.Fatalf("EncodedKey 与原始密钥不一致")
	}
}
