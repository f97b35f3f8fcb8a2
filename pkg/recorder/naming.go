package recorder

import (
	"math/rand"
	"regexp"
	"strconv"
	"time"

	"github.com/gofrs/uuid"
)

// naming regexp
var (
	reDate = regexp.MustCompile(`%date:(.*?)%`)
	reId   = regexp.MustCompile(`%id%`)
	reRand = regexp.MustCompile(`%rand:(\d+)%`)
)

// NewId makes a unique recording id.
func NewId() string {
	id, err := uuid.NewV4()
	if err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return id.String()
}

// FileName expands the name template:
// %date:<go layout>%, %rand:<n>% and %id%.
func FileName(name, id string) (out string) {
	if d := reDate.FindStringSubmatch(name); d != nil {
		out = reDate.ReplaceAllString(name, time.Now().Format(d[1]))
	} else {
		out = name
	}
	if rnd := reRand.FindStringSubmatch(out); rnd != nil {
		out = reRand.ReplaceAllString(out, random(rnd[1]))
	}
	out = reId.ReplaceAllString(out, id)
	return
}

const letterBytes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func random(num string) string {
	n, err := strconv.Atoi(num)
	if err != nil {
		return ""
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = letterBytes[rand.Int63()%int64(len(letterBytes))]
	}
	return string(b)
}
