package venue

import (
	"fmt"
	"strings"

	"riskguard/pkg/crypto"
)

// SupportedVenues - список поддерживаемых площадок
var SupportedVenues = []ID{
	Binance,
	OKX,
}

// Credentials содержит ключи доступа к площадке.
// Секреты могут храниться зашифрованными (AES-256-GCM, base64).
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string // требуется только для OKX
}

// Decrypt расшифровывает ключи мастер-ключом.
// Пустые поля пропускаются: Passphrase нужен не каждой площадке,
// а без ключей вовсе доступны только публичные данные.
func (c Credentials) Decrypt(masterKey []byte) (Credentials, error) {
	out := c
	var err error
	if c.APIKey != "" {
		if out.APIKey, err = crypto.Decrypt(c.APIKey, masterKey); err != nil {
			return Credentials{}, fmt.Errorf("decrypt api key: %w", err)
		}
	}
	if c.SecretKey != "" {
		if out.SecretKey, err = crypto.Decrypt(c.SecretKey, masterKey); err != nil {
			return Credentials{}, fmt.Errorf("decrypt secret key: %w", err)
		}
	}
	if c.Passphrase != "" {
		if out.Passphrase, err = crypto.Decrypt(c.Passphrase, masterKey); err != nil {
			return Credentials{}, fmt.Errorf("decrypt passphrase: %w", err)
		}
	}
	return out, nil
}

// NewAdapter создает адаптер площадки по идентификатору
func NewAdapter(id ID, creds Credentials) (Adapter, error) {
	switch ID(strings.ToLower(string(id))) {
	case Binance:
		return NewBinance(creds.APIKey, creds.SecretKey), nil
	case OKX:
		return NewOKX(creds.APIKey, creds.SecretKey, creds.Passphrase), nil
	default:
		return nil, fmt.Errorf("unsupported venue: %s", id)
	}
}

// IsSupported проверяет, поддерживается ли площадка
func IsSupported(id ID) bool {
	lower := ID(strings.ToLower(string(id)))
	for _, supported := range SupportedVenues {
		if lower == supported {
			return true
		}
	}
	return false
}
