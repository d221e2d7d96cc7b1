package protocol

// MessageType is the required discriminant carried by every frame.
type MessageType string

// Client verbs.
const (
	MsgAuth               MessageType = "AUTH"
	MsgPing               MessageType = "PING"
	MsgClientOp           MessageType = "CLIENT_OP"
	MsgOpBatch            MessageType = "OP_BATCH"
	MsgQuerySub           MessageType = "QUERY_SUB"
	MsgQueryUnsub         MessageType = "QUERY_UNSUB"
	MsgSyncInit           MessageType = "SYNC_INIT"
	MsgMerkleReqBucket    MessageType = "MERKLE_REQ_BUCKET"
	MsgORMapSyncInit      MessageType = "ORMAP_SYNC_INIT"
	MsgORMapMerkleBucket  MessageType = "ORMAP_MERKLE_REQ_BUCKET"
	MsgORMapDiffRequest   MessageType = "ORMAP_DIFF_REQUEST"
	MsgORMapPushDiff      MessageType = "ORMAP_PUSH_DIFF"
	MsgLockRequest        MessageType = "LOCK_REQUEST"
	MsgLockRelease        MessageType = "LOCK_RELEASE"
	MsgTopicSub           MessageType = "TOPIC_SUB"
	MsgTopicUnsub         MessageType = "TOPIC_UNSUB"
	MsgTopicPub           MessageType = "TOPIC_PUB"
	MsgCounterRequest     MessageType = "COUNTER_REQUEST"
	MsgCounterSync        MessageType = "COUNTER_SYNC"
	MsgEntryProcess       MessageType = "ENTRY_PROCESS"
	MsgEntryProcessBatch  MessageType = "ENTRY_PROCESS_BATCH"
	MsgRegisterResolver   MessageType = "REGISTER_RESOLVER"
	MsgUnregisterResolver MessageType = "UNREGISTER_RESOLVER"
	MsgListResolvers      MessageType = "LIST_RESOLVERS"
	MsgPartitionMapReq    MessageType = "PARTITION_MAP_REQUEST"
	MsgSearch             MessageType = "SEARCH"
	MsgSearchSub          MessageType = "SEARCH_SUB"
	MsgSearchUnsub        MessageType = "SEARCH_UNSUB"
	MsgJournalSubscribe   MessageType = "JOURNAL_SUBSCRIBE"
	MsgJournalUnsubscribe MessageType = "JOURNAL_UNSUBSCRIBE"
	MsgJournalRead        MessageType = "JOURNAL_READ"
)

// Server replies and unsolicited events.
const (
	MsgAuthRequired        MessageType = "AUTH_REQUIRED"
	MsgAuthAck             MessageType = "AUTH_ACK"
	MsgAuthFail            MessageType = "AUTH_FAIL"
	MsgPong                MessageType = "PONG"
	MsgOpAck               MessageType = "OP_ACK"
	MsgOpRejected          MessageType = "OP_REJECTED"
	MsgServerEvent         MessageType = "SERVER_EVENT"
	MsgServerBatchEvent    MessageType = "SERVER_BATCH_EVENT"
	MsgError               MessageType = "ERROR"
	MsgQueryResp           MessageType = "QUERY_RESP"
	MsgSyncRespRoot        MessageType = "SYNC_RESP_ROOT"
	MsgSyncRespBuckets     MessageType = "SYNC_RESP_BUCKETS"
	MsgSyncRespLeaf        MessageType = "SYNC_RESP_LEAF"
	MsgSyncResetRequired   MessageType = "SYNC_RESET_REQUIRED"
	MsgLockGranted         MessageType = "LOCK_GRANTED"
	MsgLockReleased        MessageType = "LOCK_RELEASED"
	MsgPartitionMap        MessageType = "PARTITION_MAP"
	MsgMergeRejected       MessageType = "MERGE_REJECTED"
	MsgSearchResp          MessageType = "SEARCH_RESP"
	MsgJournalEvent        MessageType = "JOURNAL_EVENT"
	MsgJournalReadResponse MessageType = "JOURNAL_READ_RESPONSE"
	MsgGCPrune             MessageType = "GC_PRUNE"
	MsgBatch               MessageType = "BATCH"
)

// Peer-to-peer cluster verbs.
const (
	MsgOpForward            MessageType = "OP_FORWARD"
	MsgClusterEvent         MessageType = "CLUSTER_EVENT"
	MsgClusterQueryExec     MessageType = "CLUSTER_QUERY_EXEC"
	MsgClusterQueryResp     MessageType = "CLUSTER_QUERY_RESP"
	MsgClusterGCReport      MessageType = "CLUSTER_GC_REPORT"
	MsgClusterGCCommit      MessageType = "CLUSTER_GC_COMMIT"
	MsgClusterLockReq       MessageType = "CLUSTER_LOCK_REQ"
	MsgClusterLockRelease   MessageType = "CLUSTER_LOCK_RELEASE"
	MsgClusterLockGranted   MessageType = "CLUSTER_LOCK_GRANTED"
	MsgClusterLockReleased  MessageType = "CLUSTER_LOCK_RELEASED"
	MsgClusterDisconnected  MessageType = "CLUSTER_CLIENT_DISCONNECTED"
	MsgClusterTopicPub      MessageType = "CLUSTER_TOPIC_PUB"
	MsgClusterMerkleRootReq MessageType = "CLUSTER_MERKLE_ROOT_REQ"
	MsgClusterMerkleRootRsp MessageType = "CLUSTER_MERKLE_ROOT_RESP"
	MsgClusterRepairDataReq MessageType = "CLUSTER_REPAIR_DATA_REQ"
	MsgClusterRepairDataRsp MessageType = "CLUSTER_REPAIR_DATA_RESP"
)

// Transport close codes.
const (
	CloseProtocolError    = 1002
	CloseTryAgainLater    = 1013
	CloseRejected         = 4000
	CloseUnauthorized     = 4001
	CloseHeartbeatTimeout = 4002
)

// Error codes carried by ERROR frames.
const (
	ErrCodeBadRequest = 400
	ErrCodeForbidden  = 403
	ErrCodeNotFound   = 404
	ErrCodeOverloaded = 503
)
