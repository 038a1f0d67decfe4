package utils

import (
	"strconv"
	"strings"
)

func BuildUsersListCacheKey(limit int, timezone, query *string) string {
	tz := ""
	if timezone != nil {
		tz = strings.TrimSpace(*timezone)
	}
	q := ""
	if query != nil {
		q = strings.ToLower(strings.TrimSpace(*query))
	}

	return "users:list:v1:limit=" + strconv.Itoa(limit) +
		":tz=" + tz +
		":q=" + q
}
