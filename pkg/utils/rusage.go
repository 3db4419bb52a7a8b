// pkg/utils/rusage.go

package utils

import (
	"time"

	"golang.org/x/sys/unix"
)

type Rusage struct {
	unix.Rusage
}

func (ru *Rusage) GetUtime() float64 {
	return float64(ru.Utime.Sec) + float64(ru.Utime.Usec)/1e6
}

func (ru *Rusage) GetStime() float64 {
	return float64(ru.Stime.Sec) + float64(ru.Stime.Usec)/1e6
}

// CPU returns user plus system time.
func (ru *Rusage) CPU() time.Duration {
	return time.Duration((ru.GetUtime() + ru.GetStime()) * float64(time.Second))
}

func GetRusage() *Rusage {
	var ru unix.Rusage
	_ = unix.Getrusage(unix.RUSAGE_SELF, &ru)
	return &Rusage{ru}
}
