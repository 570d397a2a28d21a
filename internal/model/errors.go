package model

import "errors"

var (
	// ErrUnauthorized はトークンが不正な場合のエラーです
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidBooking は予約データが不変条件を満たさない場合のエラーです
	ErrInvalidBooking = errors.New("invalid booking")
	// ErrAlreadyNotified は本日分の通知が既に記録されている場合のエラーです
	ErrAlreadyNotified = errors.New("notification already recorded today")
)
