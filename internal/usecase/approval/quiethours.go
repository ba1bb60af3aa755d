package approval

import (
	"errors"
	"fmt"
	"time"

	"coach-crm/internal/domain"
)

// ErrInvalidQuietHours возвращается при некорректной настройке тихих часов.
var ErrInvalidQuietHours = errors.New("некорректная настройка тихих часов")

// quietDeferral вычисляет, попадает ли момент в тихие часы тренера, и если да —
// конец окна, на который откладывается отправка. Окно может переходить через
// полночь (например 22:00–08:00).
func quietDeferral(settings domain.TrainerSettings, now time.Time) (bool, time.Time, error) {
	if settings.QuietStart == "" || settings.QuietEnd == "" {
		return false, time.Time{}, nil
	}
	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("%w: %v", ErrInvalidQuietHours, err)
	}
	start, err := parseClock(settings.QuietStart)
	if err != nil {
		return false, time.Time{}, err
	}
	end, err := parseClock(settings.QuietEnd)
	if err != nil {
		return false, time.Time{}, err
	}
	if start == end {
		return false, time.Time{}, nil
	}

	local := now.In(loc)
	minutes := local.Hour()*60 + local.Minute()

	var inside bool
	if start < end {
		inside = minutes >= start && minutes < end
	} else {
		inside = minutes >= start || minutes < end
	}
	if !inside {
		return false, time.Time{}, nil
	}

	endOfWindow := time.Date(local.Year(), local.Month(), local.Day(), end/60, end%60, 0, 0, loc)
	if !endOfWindow.After(local) {
		endOfWindow = endOfWindow.AddDate(0, 0, 1)
	}
	return true, endOfWindow, nil
}

func parseClock(value string) (int, error) {
	parsed, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidQuietHours, value)
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}
