package tui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/ktec-smt/aoirecord/internal/config"
	"github.com/ktec-smt/aoirecord/internal/schema"
	"github.com/ktec-smt/aoirecord/internal/session"
)

// LoginForm asks for the operator id and the first lot. Either field may
// be preset; the form only asks for what is missing.
func LoginForm(ctx context.Context, userID, lot *string) error {
	var fields []huh.Field
	if *userID == "" {
		fields = append(fields, huh.NewInput().
			Title("AOI担当者ID").
			Value(userID).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New("IDを入力してください")
				}
				return nil
			}))
	}
	if *lot == "" {
		fields = append(fields, huh.NewInput().
			Title("指図番号").
			Placeholder("1234567-10").
			Value(lot).
			Validate(validateLot))
	}
	if len(fields) == 0 {
		return nil
	}
	return huh.NewForm(huh.NewGroup(fields...)).RunWithContext(ctx)
}

// ItemCodeForm asks for the item code of a lot the schedule does not know.
func ItemCodeForm(ctx context.Context, lot string) (string, bool) {
	var code string
	err := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title(fmt.Sprintf("指図 %s の品目コード", lot)).
			Description("生産日程に見つかりません").
			Value(&code),
	)).RunWithContext(ctx)
	if err != nil {
		return "", false
	}
	code = strings.TrimSpace(code)
	return code, code != ""
}

// DefectForm asks for one defect entry. names are offered as suggestions.
func DefectForm(ctx context.Context, names []string) (session.Input, error) {
	var in session.Input
	err := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("リファレンス").Value(&in.Reference),
		huh.NewInput().
			Title("不良名").
			Description("番号でも入力できます").
			Suggestions(names).
			Value(&in.DefectName),
		huh.NewInput().Title("シリアル").Value(&in.Serial),
	)).RunWithContext(ctx)
	return in, err
}

// CoordinateForm asks for a position on the board image in the unit
// square.
func CoordinateForm(ctx context.Context) (x, y float64, err error) {
	var xs, ys string
	err = huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("X (0-1)").Value(&xs).Validate(validateUnit),
		huh.NewInput().Title("Y (0-1)").Value(&ys).Validate(validateUnit),
	)).RunWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	x, _ = strconv.ParseFloat(strings.TrimSpace(xs), 64)
	y, _ = strconv.ParseFloat(strings.TrimSpace(ys), 64)
	return x, y, nil
}

// ConfirmForm asks a yes/no question.
func ConfirmForm(ctx context.Context, title string) (bool, error) {
	ok := false
	err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().Title(title).Affirmative("はい").Negative("いいえ").Value(&ok),
	)).RunWithContext(ctx)
	return ok, err
}

// DirectoriesForm edits the working directories in place. Every directory
// given must exist.
func DirectoriesForm(ctx context.Context, d *config.Directories) error {
	return huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("画像フォルダ").Value(&d.Image).Validate(validateDir),
		huh.NewInput().Title("データフォルダ").Value(&d.Data).Validate(validateDir),
		huh.NewInput().Title("SMTスケジュールフォルダ").Value(&d.Schedule).Validate(validateDir),
		huh.NewInput().Title("共有フォルダ").Value(&d.Shared).Validate(validateDir),
	)).RunWithContext(ctx)
}

func validateDir(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	info, err := os.Stat(s)
	if err != nil || !info.IsDir() {
		return errors.New("フォルダが見つかりません")
	}
	return nil
}

func validateLot(s string) error {
	return schema.ValidateLotNumber(strings.TrimSpace(s))
}

func validateUnit(s string) error {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return errors.New("数値を入力してください")
	}
	if v < 0 || v > 1 {
		return errors.New("0から1の範囲で入力してください")
	}
	return nil
}
