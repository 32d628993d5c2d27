package redis

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockedClient() (*Client, redismock.ClientMock) {
	db, mock := redismock.NewClientMock()
	return &Client{Client: db}, mock
}

func TestMGetReturnsRawValues(t *testing.T) {
	client, mock := newMockedClient()
	mock.ExpectMGet("a", "b").SetVal([]interface{}{"1", nil})

	values, err := client.MGet(context.Background(), "a", "b")
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, "1", values[0])
	assert.Nil(t, values[1])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMGetStringsCoercesAndKeepsPositions(t *testing.T) {
	client, mock := newMockedClient()
	mock.ExpectMGet("a", "b", "c").SetVal([]interface{}{"1", nil, "3"})

	values, err := client.MGetStrings(context.Background(), "a", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "", "3"}, values)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementCounterSetsTTLOnFirstIncrement(t *testing.T) {
	client, mock := newMockedClient()
	mock.ExpectIncr("demand:cell:abc").SetVal(1)
	mock.ExpectExpire("demand:cell:abc", time.Minute).SetVal(true)

	n, err := client.IncrementCounter(context.Background(), "demand:cell:abc", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementCounterLeavesExistingTTLAlone(t *testing.T) {
	client, mock := newMockedClient()
	mock.ExpectIncr("demand:cell:abc").SetVal(2)

	n, err := client.IncrementCounter(context.Background(), "demand:cell:abc", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
