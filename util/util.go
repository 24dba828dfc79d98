package util

import (
	"github.com/sirupsen/logrus"
)

const Debug uint64 = 1

var logger = logrus.New()

func init() {
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
}

func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= Debug {
		logger.Debugf(format, a...)
	}
}

func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	} else {
		return m
	}
}

func Max(n uint64, m uint64) uint64 {
	if n > m {
		return n
	} else {
		return m
	}
}

func Clamp(n uint64, lo uint64, hi uint64) uint64 {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func SumOverflows(n uint64, m uint64) bool {
	return n+m < n
}

func CloneByteSlice(s []byte) []byte {
	s2 := make([]byte, len(s))
	copy(s2, s)
	return s2
}
