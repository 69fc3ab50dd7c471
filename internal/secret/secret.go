package secret

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fernet/fernet-go"
)

// ErrNoKey 未配置加密密钥
var ErrNoKey = errors.New("app_encryption_key 未配置")

// Cipher 对 API 凭证与 SMTP 密码做 fernet 加密存储
type Cipher struct {
	keys []*fernet.Key
}

// NewCipher 从 url-safe base64 编码的 32 字节密钥创建；多个密钥以逗号分隔，首个用于加密
func NewCipher(encoded string) (*Cipher, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, ErrNoKey
	}
	keys, err := fernet.DecodeKeys(strings.Split(encoded, ",")...)
	if err != nil {
		return nil, fmt.Errorf("解析加密密钥失败: %w", err)
	}
	return &Cipher{keys: keys}, nil
}

// GenerateKey 生成新的编码密钥
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", err
	}
	return k.Encode(), nil
}

// Encrypt 加密明文，空串原样返回
func (c *Cipher) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	tok, err := fernet.EncryptAndSign([]byte(plain), c.keys[0])
	if err != nil {
		return "", err
	}
	return string(tok), nil
}

// Decrypt 解密；令牌无效时返回空串
func (c *Cipher) Decrypt(token string) string {
	if token == "" {
		return ""
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), 0, c.keys)
	if msg == nil {
		return ""
	}
	return string(msg)
}
