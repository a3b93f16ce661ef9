// Package validation はリクエストボディと保存済み資格情報のスキーマ検証を提供する。
// 検証結果はハンドラーやコントローラーのロジックより前に判定する。
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrMalformed はJSONとして解釈できない、または未知のフィールドを含む入力のエラー。
var ErrMalformed = errors.New("validation: malformed json")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// エラーのフィールド名にJSONタグ名を使用する
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// messages はタグごとのエラーメッセージ。
var messages = map[string]string{
	"required":    "%sは必須です。",
	"email":       "%sはメールアドレスの形式で入力してください。",
	"min":         "%sは%s文字以上で入力してください。",
	"max":         "%sは%s文字以下で入力してください。",
	"eqfield":     "%sが一致しません。",
	"len":         "%sは%s文字で入力してください。",
	"hexadecimal": "%sの形式が正しくありません。",
}

// Result は検証結果。Reasonsが空の場合は検証成功を表す。
type Result struct {
	Reasons map[string]string // JSONフィールド名 -> 理由
}

// OK は検証に成功したかどうかを返す。
func (r Result) OK() bool {
	return len(r.Reasons) == 0
}

// Struct は構造体のvalidateタグに従って検証する。
func Struct(s any) Result {
	err := validate.Struct(s)
	if err == nil {
		return Result{}
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return Result{Reasons: map[string]string{"_": err.Error()}}
	}

	reasons := make(map[string]string, len(verrs))
	for _, e := range verrs {
		field := e.Field()
		if _, exists := reasons[field]; exists {
			continue
		}
		reasons[field] = message(field, e)
	}
	return Result{Reasons: reasons}
}

// DecodeJSON はrから1つのJSONオブジェクトをdstに読み込む。
// 未知のフィールドや後続データがある場合はErrMalformedを返す。
func DecodeJSON(r io.Reader, dst any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: unexpected trailing data", ErrMalformed)
	}
	return nil
}

func message(field string, e validator.FieldError) string {
	msg, ok := messages[e.Tag()]
	if !ok {
		return fmt.Sprintf("%sの値が正しくありません。", field)
	}
	if strings.Count(msg, "%s") == 2 {
		return fmt.Sprintf(msg, field, e.Param())
	}
	return fmt.Sprintf(msg, field)
}
