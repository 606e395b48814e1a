package session

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"strings"
	"time"

	xerrors "TradeWarden/internal/errors"
)

// codeAlphabet 是平台登录码使用的字符表，去掉了易混淆字符。
const codeAlphabet = "23456789BCDFGHJKMNPQRTVWXY"

// codePeriod 是登录码的有效时间窗口。
const codePeriod = 30 * time.Second

// GuardCodeSource 是默认的登录码实现：对时间窗口序号做 HMAC-SHA1，
// 从摘要中按动态偏移截取 31 位整数，再映射到字符表。
type GuardCodeSource struct{}

// LoginCode 实现 CodeSource。
func (GuardCodeSource) LoginCode(sharedSecret string, at time.Time) (string, error) {
	secret := strings.TrimSpace(sharedSecret)
	if secret == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "shared secret 不能为空")
	}
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "shared secret 不是合法的 base64")
	}

	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], uint64(at.Unix()/int64(codePeriod.Seconds())))

	mac := hmac.New(sha1.New, key)
	mac.Write(counter[:])
	digest := mac.Sum(nil)

	start := digest[len(digest)-1] & 0x0f
	fullCode := binary.BigEndian.Uint32(digest[start:start+4]) & 0x7fffffff

	code := make([]byte, 5)
	for i := range code {
		code[i] = codeAlphabet[fullCode%uint32(len(codeAlphabet))]
		fullCode /= uint32(len(codeAlphabet))
	}
	return string(code), nil
}
