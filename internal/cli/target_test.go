package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cxyfer/weiboloader/internal/model"
	"github.com/cxyfer/weiboloader/internal/weiboerr"
)

func TestParseTargetURLExtractsMid(t *testing.T) {
	got, err := ParseTarget("https://weibo.com/1234/detail/K1a2B3c4D", "")
	require.NoError(t, err)
	assert.Equal(t, model.NewMidTarget("K1a2B3c4D"), got)
}

func TestParseTargetURLQueryParam(t *testing.T) {
	got, err := ParseTarget("https://m.weibo.cn/status?mid=K1a2B3c4D", "")
	require.NoError(t, err)
	assert.Equal(t, model.NewMidTarget("K1a2B3c4D"), got)
}

func TestParseTargetURLWithoutMidFails(t *testing.T) {
	_, err := ParseTarget("https://weibo.com/1234", "")
	require.Error(t, err)
	assert.True(t, weiboerr.Is(err, weiboerr.KindInit))
}

func TestParseTargetMidFlagWins(t *testing.T) {
	got, err := ParseTarget("somebody", "99999")
	require.NoError(t, err)
	assert.Equal(t, model.NewMidTarget("99999"), got)
}

func TestParseTargetSupertopic(t *testing.T) {
	got, err := ParseTarget("#poetry", "")
	require.NoError(t, err)
	assert.Equal(t, model.NewSuperTopicTarget("poetry", false), got)
}

func TestParseTargetSupertopicContainerID(t *testing.T) {
	got, err := ParseTarget("#100808abc123", "")
	require.NoError(t, err)
	assert.Equal(t, model.NewSuperTopicTarget("100808abc123", true), got)
}

func TestParseTargetEmptySupertopicFails(t *testing.T) {
	_, err := ParseTarget("#  ", "")
	require.Error(t, err)
	assert.True(t, weiboerr.Is(err, weiboerr.KindInit))
}

func TestParseTargetSearch(t *testing.T) {
	got, err := ParseTarget(":golang", "")
	require.NoError(t, err)
	assert.Equal(t, model.NewSearchTarget("golang"), got)
}

func TestParseTargetEmptySearchFails(t *testing.T) {
	_, err := ParseTarget(":", "")
	require.Error(t, err)
	assert.True(t, weiboerr.Is(err, weiboerr.KindInit))
}

func TestParseTargetMissingFails(t *testing.T) {
	_, err := ParseTarget("", "")
	require.Error(t, err)
	assert.True(t, weiboerr.Is(err, weiboerr.KindInit))
}

func TestParseTargetUserByUID(t *testing.T) {
	got, err := ParseTarget("123456", "")
	require.NoError(t, err)
	assert.Equal(t, model.NewUserTarget("123456", true), got)
}

func TestParseTargetUserByNickname(t *testing.T) {
	got, err := ParseTarget("someone", "")
	require.NoError(t, err)
	assert.Equal(t, model.NewUserTarget("someone", false), got)
}
