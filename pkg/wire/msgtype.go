package wire

// Message types exchanged over the control port. Requests expecting a
// reply have a matching _ACK type.
const (
	// Discovery
	DiscoveryHeartbeat      = "DISCOVERY_HEARTBEAT"
	DiscoveryQueryByName    = "DISCOVERY_QUERY_BY_NAME"
	DiscoveryQueryByRole    = "DISCOVERY_QUERY_BY_ROLE"
	DiscoveryQueryAll       = "DISCOVERY_QUERY_ALL"
	DiscoveryHeartbeatAck   = "DISCOVERY_HEARTBEAT_ACK"
	DiscoveryQueryByNameAck = "DISCOVERY_QUERY_BY_NAME_ACK"
	DiscoveryQueryByRoleAck = "DISCOVERY_QUERY_BY_ROLE_ACK"
	DiscoveryQueryAllAck    = "DISCOVERY_QUERY_ALL_ACK"

	// FTP command processing
	ProcessFTPCommand    = "PROCESS_FTP_COMMAND"
	ProcessFTPCommandAck = "PROCESS_FTP_COMMAND_ACK"

	// Auth
	AuthValidateUser        = "AUTH_VALIDATE_USER"
	AuthValidatePassword    = "AUTH_VALIDATE_PASSWORD"
	AuthValidateUserAck     = "AUTH_VALIDATE_USER_ACK"
	AuthValidatePasswordAck = "AUTH_VALIDATE_PASSWORD_ACK"

	// Storage: FTP operations
	DataList        = "DATA_LIST"
	DataStat        = "DATA_STAT"
	DataMkd         = "DATA_MKD"
	DataRemove      = "DATA_REMOVE"
	DataRename      = "DATA_RENAME"
	DataCwd         = "DATA_CWD"
	DataOpenPasv    = "DATA_OPEN_PASV"
	DataRetrFile    = "DATA_RETR_FILE"
	DataStoreFile   = "DATA_STORE_FILE"
	DataReady       = "DATA_READY"
	DataListAck     = "DATA_LIST_ACK"
	DataStatAck     = "DATA_STAT_ACK"
	DataMkdAck      = "DATA_MKD_ACK"
	DataRemoveAck   = "DATA_REMOVE_ACK"
	DataRenameAck   = "DATA_RENAME_ACK"
	DataCwdAck      = "DATA_CWD_ACK"
	DataOpenPasvAck = "DATA_OPEN_PASV_ACK"
	DataRetrFileAck = "DATA_RETR_FILE_ACK"
	DataStoreAck    = "DATA_STORE_FILE_ACK"
	DataReadyAck    = "DATA_READY_ACK"

	// Storage: quorum replication of writes
	DataReplicateFile    = "DATA_REPLICATE_FILE"
	DataReplicateFileAck = "DATA_REPLICATE_FILE_ACK"
	DataReplicateReady   = "DATA_REPLICATE_READY"

	// Storage: metadata reads
	DataMetaRequest    = "DATA_META_REQUEST"
	DataMetaRequestAck = "DATA_META_ACK"

	// Storage: namespace replication fan-out
	DataReplicateDirCreate  = "DATA_REPLICATE_DIR_CREATE"
	DataReplicateDirDelete  = "DATA_REPLICATE_DIR_DELETE"
	DataReplicateFileDelete = "DATA_REPLICATE_FILE_DELETE"
	DataReplicateRename     = "DATA_REPLICATE_RENAME"

	// Storage: lazy file sync after a metadata merge
	DataSyncFileRequest = "DATA_SYNC_FILE_REQUEST"
	DataSyncFileReady   = "DATA_SYNC_FILE_READY"

	// Gossip / anti-entropy
	GossipUpdate  = "GOSSIP_UPDATE"
	MergeState    = "MERGE_STATE"
	MergeStateAck = "MERGE_STATE_ACK"
	SendState     = "SEND_STATE"
)

// ControlPort is the default TCP port nodes listen on for control
// messages. A cluster may configure another, but every node must agree.
const ControlPort = 9000
