package model

import (
	"errors"
	"fmt"
	"strings"
)

// エラーカテゴリ
const (
	CategoryConfiguration = "configuration"
	CategoryFeed          = "feed"
	CategoryDelivery      = "delivery"
	CategoryRender        = "render"
)

// 定義済みエラーコード
const (
	ErrCodeMissingConfig   = "MISSING_CONFIG"
	ErrCodeInvalidConfig   = "INVALID_CONFIG"
	ErrCodeFeedFailed      = "FEED_FAILED"
	ErrCodeDeliveryFailed  = "DELIVERY_FAILED"
	ErrCodeRenderFailed    = "RENDER_FAILED"
	ErrCodeUnknownTemplate = "UNKNOWN_TEMPLATE"
)

// ConfigurationError は必須設定の欠落または不正を表す。起動時に致命的エラーとなる。
type ConfigurationError struct {
	Code    string
	Missing []string
	Err     error
}

// NewMissingConfigError は必須環境変数が未設定の場合のエラーを生成する。
func NewMissingConfigError(missing []string) *ConfigurationError {
	return &ConfigurationError{Code: ErrCodeMissingConfig, Missing: missing}
}

// NewInvalidConfigError は設定値が不正な場合のエラーを生成する。
func NewInvalidConfigError(err error) *ConfigurationError {
	return &ConfigurationError{Code: ErrCodeInvalidConfig, Err: err}
}

// Error はerrorインターフェースを実装する。
func (e *ConfigurationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("[%s] required environment variables are not set: %s", e.Code, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("[%s] %v", e.Code, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// FeedError はレプリケーションフィードの失敗を表す。ログに記録され、アダプタが再試行する。
type FeedError struct {
	Collection Collection
	Err        error
}

// NewFeedError はFeedErrorを生成する。
func NewFeedError(collection Collection, err error) *FeedError {
	return &FeedError{Collection: collection, Err: err}
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("[%s] replication of %s failed: %v", ErrCodeFeedFailed, e.Collection, e.Err)
}

func (e *FeedError) Unwrap() error { return e.Err }

// DeliveryError はメール送信の失敗を表す。メッセージ単位で終端扱いとなり再送しない。
type DeliveryError struct {
	Code string
	To   string
	Err  error
}

// NewDeliveryError はDeliveryErrorを生成する。
func NewDeliveryError(to string, err error) *DeliveryError {
	return &DeliveryError{Code: ErrCodeDeliveryFailed, To: to, Err: err}
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("[%s] email to %s failed: %v", e.Code, e.To, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// RenderError はテンプレートのレンダリング失敗を表す。
// 呼び出し元からはDeliveryErrorと同様に扱われる。
type RenderError struct {
	Code     string
	Template string
	Err      error
}

// NewRenderError はRenderErrorを生成する。
func NewRenderError(template string, err error) *RenderError {
	return &RenderError{Code: ErrCodeRenderFailed, Template: template, Err: err}
}

// NewUnknownTemplateError は未登録のテンプレート名が指定された場合のエラーを生成する。
func NewUnknownTemplateError(template string) *RenderError {
	return &RenderError{Code: ErrCodeUnknownTemplate, Template: template, Err: fmt.Errorf("template %q is not registered", template)}
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("[%s] rendering %s failed: %v", e.Code, e.Template, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Category はエラーチェーンをたどってカテゴリを返す。未知のエラーは空文字列。
func Category(err error) string {
	var (
		configErr   *ConfigurationError
		feedErr     *FeedError
		deliveryErr *DeliveryError
		renderErr   *RenderError
	)
	switch {
	case errors.As(err, &renderErr):
		return CategoryRender
	case errors.As(err, &deliveryErr):
		return CategoryDelivery
	case errors.As(err, &feedErr):
		return CategoryFeed
	case errors.As(err, &configErr):
		return CategoryConfiguration
	default:
		return ""
	}
}
