package confirm

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"strings"
	"time"

	xerrors "TradeWarden/internal/errors"
)

// 常用的确认标签。平台对不同操作要求不同的标签参与签名。
const (
	TagConfirmations = "conf"
	TagDetails       = "details"
	TagAllow         = "allow"
	TagCancel        = "cancel"
)

// Request 是一次待确认操作的时间绑定凭据。
// 仅在产生它的时间窗口内有效，从不落盘。
type Request struct {
	Tag       string
	Timestamp int64
	Key       []byte
}

// EncodedKey 返回提交给平台的 base64 形式密钥。
func (r Request) EncodedKey() string {
	return base64.StdEncoding.EncodeToString(r.Key)
}

// Sign 根据身份密钥为指定标签派生确认凭据。
// 纯函数：相同的 (tag, secret, now) 必然得到相同的结果。
// now 必须是调用时刻的墙钟时间，不允许提前派生。
func Sign(tag, identitySecret string, now time.Time) (Request, error) {
	secret := strings.TrimSpace(identitySecret)
	if secret == "" {
		return Request{}, xerrors.New(xerrors.CodeInvalidArgument, "identity secret 不能为空")
	}
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return Request{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "identity secret 不是合法的 base64")
	}

	timestamp := now.Unix()
	payload := make([]byte, 8, 8+len(tag))
	binary.BigEndian.PutUint64(payload, uint64(timestamp))
	payload = append(payload, tag...)

	mac := hmac.New(sha1.New, key)
	mac.Write(payload)

	return Request{
		Tag:       tag,
		Timestamp: timestamp,
		Key:       mac.Sum(nil),
	}, nil
}
