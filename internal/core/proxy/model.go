package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// BlacklistThreshold はこの回数エラーが記録されたプロキシを自動的にブラックリスト化する閾値
const BlacklistThreshold = 10

var (
	// ErrNotFound はプロキシが存在しない場合のエラー
	ErrNotFound = errors.New("proxy not found")
	// ErrNoProxyAvailable は選択可能なプロキシが存在しない場合のエラー
	ErrNoProxyAvailable = errors.New("no proxy available")
	// ErrInvalidProxy はプロキシ定義が不正な場合のエラー
	ErrInvalidProxy = errors.New("invalid proxy")
)

// Status はプロキシの状態
type Status string

const (
	StatusActive      Status = "active"
	StatusDisabled    Status = "disabled"
	StatusBlacklisted Status = "blacklisted"
)

// Type はプロキシのプロトコル種別
type Type string

const (
	TypeHTTP   Type = "http"
	TypeHTTPS  Type = "https"
	TypeSOCKS5 Type = "socks5"
)

// IsValid は既知の種別かどうかを返す
func (t Type) IsValid() bool {
	switch t {
	case TypeHTTP, TypeHTTPS, TypeSOCKS5:
		return true
	}
	return false
}

// Proxy は外向き通信のエグレス識別子とその健全性を表す
type Proxy struct {
	ID          uuid.UUID  `json:"id"`
	Host        string     `json:"host"`
	Port        int        `json:"port"`
	Username    string     `json:"username,omitempty"`
	Password    string     `json:"-"` // Pool 経由では復号済み、Repository 上では暗号文
	Type        Type       `json:"type"`
	Country     string     `json:"country,omitempty"`
	Status      Status     `json:"status"`
	ErrorCount  int        `json:"errorCount"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	LastErrorAt *time.Time `json:"lastErrorAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Address は host:port を返す
func (p *Proxy) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// URL はワーカーが HTTP クライアントに渡すプロキシ URL を返す
func (p *Proxy) URL() string {
	u := &url.URL{Scheme: string(p.Type), Host: p.Address()}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}

// Selectable は選択対象になり得るかを返す
func (p *Proxy) Selectable() bool {
	return p.Status == StatusActive && p.ErrorCount < BlacklistThreshold
}

// Filter はプロキシ選択の条件
type Filter struct {
	Country string
	Type    Type
	Exclude []uuid.UUID // 直前に失敗したプロキシなど
}

// Matches は p がフィルタ条件を満たすかを返す
func (f Filter) Matches(p *Proxy) bool {
	if !p.Selectable() {
		return false
	}
	if f.Country != "" && p.Country != f.Country {
		return false
	}
	if f.Type != "" && p.Type != f.Type {
		return false
	}
	for _, id := range f.Exclude {
		if id == p.ID {
			return false
		}
	}
	return true
}

// Less は選択順序（エラー数の少ない順、最終利用が古い順）で a が b より先なら true を返す
func Less(a, b *Proxy) bool {
	if a.ErrorCount != b.ErrorCount {
		return a.ErrorCount < b.ErrorCount
	}
	switch {
	case a.LastUsedAt == nil && b.LastUsedAt != nil:
		return true
	case a.LastUsedAt != nil && b.LastUsedAt == nil:
		return false
	case a.LastUsedAt != nil && b.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt):
		return a.LastUsedAt.Before(*b.LastUsedAt)
	}
	return a.ID.String() < b.ID.String()
}

// AddParams はプロキシ登録パラメータ
type AddParams struct {
	Host     string
	Port     int
	Username string
	Password string
	Type     Type
	Country  string
}

// Validate は登録パラメータを検証する
func (p AddParams) Validate() error {
	if p.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidProxy)
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("%w: port out of range: %d", ErrInvalidProxy, p.Port)
	}
	if !p.Type.IsValid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidProxy, p.Type)
	}
	return nil
}
