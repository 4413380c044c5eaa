package federation

import (
	"encoding/base64"
	"strconv"
)

func encodeFrame(frame []byte) string {
	return base64.StdEncoding.EncodeToString(frame)
}

func decodeFrame(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func parseUserID(s string) (int32, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return int32(n), nil
}
