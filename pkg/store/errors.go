package store

import "errors"

// 存储引擎的错误定义，调用方使用 errors.Is 判断错误类型
var (
	ErrInvalidOffset             = errors.New("invalid offset")
	ErrInvalidConsumerKind       = errors.New("invalid consumer kind")
	ErrCannotReadConsumerOffsets = errors.New("cannot read consumer offsets")
	ErrCannotSaveConsumerOffset  = errors.New("cannot save consumer offset")

	ErrStreamAlreadyExists         = errors.New("stream already exists")
	ErrStreamNameAlreadyExists     = errors.New("stream name already exists")
	ErrStreamNotFound              = errors.New("stream not found")
	ErrInvalidStreamName           = errors.New("invalid stream name")
	ErrInvalidStreamID             = errors.New("invalid stream id")
	ErrCannotCreateStreamDirectory = errors.New("cannot create stream directory")
	ErrCannotCreateTopicsDirectory = errors.New("cannot create topics directory")
	ErrCannotCreateStreamInfo      = errors.New("cannot create stream info")
	ErrCannotUpdateStreamInfo      = errors.New("cannot update stream info")
	ErrCannotOpenStreamInfo        = errors.New("cannot open stream info")
	ErrCannotReadStreamInfo        = errors.New("cannot read stream info")
	ErrCannotReadTopics            = errors.New("cannot read topics")
	ErrCannotDeleteStreamDirectory = errors.New("cannot delete stream directory")

	ErrTopicAlreadyExists         = errors.New("topic already exists")
	ErrTopicNameAlreadyExists     = errors.New("topic name already exists")
	ErrTopicNotFound              = errors.New("topic not found")
	ErrInvalidTopicName           = errors.New("invalid topic name")
	ErrInvalidTopicID             = errors.New("invalid topic id")
	ErrCannotCreateTopicDirectory = errors.New("cannot create topic directory")
	ErrCannotCreateTopicInfo      = errors.New("cannot create topic info")
	ErrCannotReadTopicInfo        = errors.New("cannot read topic info")
	ErrCannotDeleteTopicDirectory = errors.New("cannot delete topic directory")

	ErrInvalidPartitionsCount          = errors.New("invalid partitions count")
	ErrPartitionNotFound               = errors.New("partition not found")
	ErrCannotCreatePartitionsDirectory = errors.New("cannot create partitions directory")
	ErrCannotCreatePartitionDirectory  = errors.New("cannot create partition directory")
	ErrCannotReadPartitions            = errors.New("cannot read partitions")
	ErrCannotDeletePartitionDirectory  = errors.New("cannot delete partition directory")

	ErrCannotCreateSegmentsDirectory = errors.New("cannot create segments directory")
	ErrCannotReadSegments            = errors.New("cannot read segments")
	ErrCannotCreateSegmentFiles      = errors.New("cannot create segment files")
	ErrCannotSaveMessages            = errors.New("cannot save messages")
	ErrCorruptedSegment              = errors.New("corrupted segment")
	ErrInvalidMessageChecksum        = errors.New("invalid message checksum")
	ErrInvalidMessagesCount          = errors.New("invalid messages count")
	ErrEmptyPayload                  = errors.New("empty message payload")
	ErrTooBigMessage                 = errors.New("message too big")

	ErrConsumerGroupAlreadyExists  = errors.New("consumer group already exists")
	ErrConsumerGroupNotFound       = errors.New("consumer group not found")
	ErrConsumerGroupMemberNotFound = errors.New("consumer group member not found")
	ErrInvalidConsumerGroupName    = errors.New("invalid consumer group name")
	ErrNoPartitionsAssigned        = errors.New("no partitions assigned")
)

// errorCodes 提供给传输层的稳定错误码
var errorCodes = []struct {
	err  error
	code uint32
}{
	{ErrStreamAlreadyExists, 1000},
	{ErrStreamNameAlreadyExists, 1001},
	{ErrStreamNotFound, 1002},
	{ErrInvalidStreamName, 1003},
	{ErrInvalidStreamID, 1004},
	{ErrCannotCreateStreamDirectory, 1010},
	{ErrCannotCreateTopicsDirectory, 1011},
	{ErrCannotCreateStreamInfo, 1012},
	{ErrCannotUpdateStreamInfo, 1013},
	{ErrCannotOpenStreamInfo, 1014},
	{ErrCannotReadStreamInfo, 1015},
	{ErrCannotReadTopics, 1016},
	{ErrCannotDeleteStreamDirectory, 1017},

	{ErrTopicAlreadyExists, 2000},
	{ErrTopicNameAlreadyExists, 2001},
	{ErrTopicNotFound, 2002},
	{ErrInvalidTopicName, 2003},
	{ErrInvalidTopicID, 2004},
	{ErrCannotCreateTopicDirectory, 2010},
	{ErrCannotCreateTopicInfo, 2011},
	{ErrCannotReadTopicInfo, 2012},
	{ErrCannotDeleteTopicDirectory, 2013},

	{ErrInvalidPartitionsCount, 3000},
	{ErrPartitionNotFound, 3001},
	{ErrCannotCreatePartitionsDirectory, 3010},
	{ErrCannotCreatePartitionDirectory, 3011},
	{ErrCannotReadPartitions, 3012},
	{ErrCannotDeletePartitionDirectory, 3013},
	{ErrCannotCreateSegmentsDirectory, 3020},
	{ErrCannotReadSegments, 3021},
	{ErrCannotCreateSegmentFiles, 3022},
	{ErrCorruptedSegment, 3023},

	{ErrInvalidOffset, 4000},
	{ErrInvalidConsumerKind, 4001},
	{ErrCannotReadConsumerOffsets, 4002},
	{ErrCannotSaveConsumerOffset, 4003},
	{ErrCannotSaveMessages, 4010},
	{ErrInvalidMessageChecksum, 4011},
	{ErrInvalidMessagesCount, 4012},
	{ErrEmptyPayload, 4013},
	{ErrTooBigMessage, 4014},

	{ErrConsumerGroupAlreadyExists, 5000},
	{ErrConsumerGroupNotFound, 5001},
	{ErrConsumerGroupMemberNotFound, 5002},
	{ErrNoPartitionsAssigned, 5003},
	{ErrInvalidConsumerGroupName, 5004},
}

// ErrorCode 返回错误对应的错误码，未知错误返回 1
func ErrorCode(err error) uint32 {
	if err == nil {
		return 0
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return 1
}
