package domain

import "errors"

// ErrMessageNotFound возвращается, если сообщение не принадлежит тренеру
// или не существует.
var ErrMessageNotFound = errors.New("сообщение не найдено")

// ErrContactNotFound возвращается, если контакт не принадлежит тренеру
// или не существует.
var ErrContactNotFound = errors.New("контакт не найден")

// ErrTrainerNotFound возвращается, если настройки тренера отсутствуют.
var ErrTrainerNotFound = errors.New("тренер не найден")
