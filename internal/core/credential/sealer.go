// Package credential は外部サイトの資格情報を保存時に暗号化するための抽象を提供する
package credential

// Sealer は資格情報の暗号化（書き込み時）と復号（読み出し時）を行う。
// 実装はストレージエンジンから独立している。
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(ciphertext string) (string, error)
}

// Plain は暗号化を行わない Sealer（テスト・ローカル開発用）
type Plain struct{}

// Seal はそのまま返す
func (Plain) Seal(plaintext string) (string, error) { return plaintext, nil }

// Open はそのまま返す
func (Plain) Open(ciphertext string) (string, error) { return ciphertext, nil }
