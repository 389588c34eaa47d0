package job

import "time"

const (
	DefaultLeaseTTL     = 30 * time.Minute
	DefaultMaxAttempts  = 3
	DefaultMessageLimit = 5000
)

// Tuning は実行時に変更可能なリースとリトライの設定
type Tuning struct {
	LeaseTTL     time.Duration
	MaxAttempts  int
	MessageLimit int
	RetryDelays  map[ErrorCode]time.Duration
}

// DefaultTuning は既定値を返す
func DefaultTuning() Tuning {
	return Tuning{
		LeaseTTL:     DefaultLeaseTTL,
		MaxAttempts:  DefaultMaxAttempts,
		MessageLimit: DefaultMessageLimit,
		RetryDelays:  DefaultRetryDelays(),
	}
}

// RetryDelay は code の再試行待ち時間を返す
func (t Tuning) RetryDelay(code ErrorCode) time.Duration {
	if d, ok := t.RetryDelays[code]; ok {
		return d
	}
	return code.Policy().DefaultDelay
}

// TuningSource は最新の Tuning を返す
type TuningSource interface {
	JobTuning() Tuning
}

type staticTuning Tuning

func (s staticTuning) JobTuning() Tuning { return Tuning(s) }

// StaticTuning は固定の Tuning を返す TuningSource を作成する
func StaticTuning(t Tuning) TuningSource { return staticTuning(t) }

// TruncateMessage はメッセージを最大 limit 文字（rune）に切り詰める
func TruncateMessage(msg string, limit int) string {
	if limit <= 0 {
		return msg
	}
	count := 0
	for i := range msg {
		if count == limit {
			return msg[:i]
		}
		count++
	}
	return msg
}
