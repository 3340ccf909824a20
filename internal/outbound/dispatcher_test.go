package outbound

import (
	"net/http"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   outcome
	}{
		{http.StatusOK, outcomeSuccess},
		{http.StatusCreated, outcomeSuccess},
		{http.StatusTooManyRequests, outcomeRetry},
		{http.StatusBadRequest, outcomeDrop},
		{http.StatusInternalServerError, outcomeDrop},
	}

	for _, c := range cases {
		if got := classifyStatus(c.status); got != c.want {
			t.Errorf("classifyStatus(%d) = %v, want %v", c.status, got, c.want)
		}
	}
}
