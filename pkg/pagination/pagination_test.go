package pagination

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFromContext(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", DefaultLimit, 0},
		{"?limit=50&offset=10", 50, 10},
		{"?_count=5&_offset=15", 5, 15},
		{"?limit=500", MaxLimit, 0},
		{"?limit=-3&offset=-1", DefaultLimit, 0},
		{"?limit=abc", DefaultLimit, 0},
	}
	e := echo.New()
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/"+tt.query, nil), httptest.NewRecorder())
			p := FromContext(c)
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("got %+v, want limit=%d offset=%d", p, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestNewResponse(t *testing.T) {
	r := NewResponse([]string{"a", "b"}, 5, Params{Limit: 2, Offset: 2})
	if !r.HasMore {
		t.Error("expected more rows after offset 2+2 of 5")
	}
	r = NewResponse([]string{"e"}, 5, Params{Limit: 2, Offset: 4})
	if r.HasMore {
		t.Error("last page should not report more rows")
	}
}

func TestNewResponse_EmptyIsArray(t *testing.T) {
	raw, err := json.Marshal(NewResponse[int](nil, 0, Params{Limit: DefaultLimit}))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"data":[],"total":0,"limit":20,"offset":0,"hasMore":false}`
	if string(raw) != want {
		t.Errorf("got %s, want %s", raw, want)
	}
}
