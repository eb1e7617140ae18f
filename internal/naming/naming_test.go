package naming

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicSegmentNameReplacesSlashes(t *testing.T) {
	name := TopicSegmentName("/sensors/lidar/points")
	assert.Equal(t, "ros2_hazcat..sensors.lidar.points", name)
	assert.NotContains(t, name, "/")
}

func TestTopicSegmentNameClampsLongTopics(t *testing.T) {
	longTopic := "/" + strings.Repeat("a", 500)
	name := TopicSegmentName(longTopic)
	require.LessOrEqual(t, len(name), maxNameLen)
}

func TestTopicSegmentNameClampDeterministic(t *testing.T) {
	longTopic := "/" + strings.Repeat("b", 500)
	first := TopicSegmentName(longTopic)
	second := TopicSegmentName(longTopic)
	assert.Equal(t, first, second)
}

func TestTopicSegmentNameClampDistinguishesDistinctLongTopics(t *testing.T) {
	a := TopicSegmentName("/" + strings.Repeat("c", 500) + "1")
	b := TopicSegmentName("/" + strings.Repeat("c", 500) + "2")
	assert.NotEqual(t, a, b)
}
