package cache

import "fmt"

func ResultKey(resultID string) string {
	return fmt.Sprintf("mindscope:result:%s", resultID)
}

func UserSubmissionsKey(userID string) string {
	return fmt.Sprintf("mindscope:submissions:%s", userID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
