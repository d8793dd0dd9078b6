package polygon

import (
	"fmt"
	"net/http"
	"testing"

	"backfill/internal/ingest"
	"backfill/internal/market"

	"github.com/polygon-io/client-go/rest/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	src, err := New(Config{APIKey: "k", MaxChunk: 100})
	require.NoError(t, err)
	assert.Equal(t, 100, src.MaxChunk(market.Minute))
	assert.True(t, src.Supports(market.Day))
	assert.False(t, src.Supports(market.Granularity("week")))
}

func TestClassify(t *testing.T) {
	throttled := &models.ErrorResponse{StatusCode: http.StatusTooManyRequests}
	assert.Equal(t, ingest.KindThrottle, ingest.KindOf(classify(fmt.Errorf("wrapped: %w", throttled))))
	assert.Equal(t, ingest.KindPermanent, ingest.KindOf(classify(&models.ErrorResponse{StatusCode: http.StatusForbidden})))
	assert.Equal(t, ingest.KindTransient, ingest.KindOf(classify(fmt.Errorf("dial tcp: timeout"))))
}

func TestTimespan(t *testing.T) {
	assert.Equal(t, models.Minute, timespan(market.Minute))
	assert.Equal(t, models.Day, timespan(market.Day))
}
