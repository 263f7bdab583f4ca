package rabbitmq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTitleJob(t *testing.T) {
	j, err := DecodeTitleJob([]byte(`{"chat_id":"c1","prompt":"hello","attempt":2}`))
	require.NoError(t, err)
	assert.Equal(t, TitleJob{ChatID: "c1", Prompt: "hello", Attempt: 2}, j)

	_, err = DecodeTitleJob([]byte(`{"prompt":"hello"}`))
	assert.Error(t, err)

	_, err = DecodeTitleJob([]byte(`not json`))
	assert.Error(t, err)
}

func TestQueueNames(t *testing.T) {
	assert.Equal(t, "title_jobs.retry", RetryQueue("title_jobs"))
	assert.Equal(t, "title_jobs.dlq", DeadQueue("title_jobs"))
}
