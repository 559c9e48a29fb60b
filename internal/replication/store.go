package replication

import (
	"context"

	"github.com/forkmeplease/powersync-service/internal/domain"
	"github.com/forkmeplease/powersync-service/internal/oplog"
)

// CurrentDataStore is the CurrentData slice of the storage adapter the
// batch writer depends on.
type CurrentDataStore interface {
	GetCurrentData(ctx context.Context, groupID, sourceTable, sourceKey string) (domain.CurrentData, bool, error)
	UpsertCurrentData(ctx context.Context, cd domain.CurrentData) error
	DeleteCurrentData(ctx context.Context, groupID, sourceTable, sourceKey string) error
	ScanCurrentDataByTable(ctx context.Context, groupID, sourceTable string) ([]domain.CurrentData, error)
}

// ParameterStore is the bucket_parameters slice of the storage adapter.
type ParameterStore interface {
	UpsertParameterRow(ctx context.Context, p domain.ParameterRow) error
	DeleteParameterRow(ctx context.Context, groupID, lookup, sourceTable, sourceKey string) error
}

// SyncRulesStore is the sync_rules slice of the storage adapter.
type SyncRulesStore interface {
	SyncRulesStatus(ctx context.Context, id string) (domain.SyncRulesStatus, error)
	UpsertSyncRulesStatus(ctx context.Context, s domain.SyncRulesStatus) error
}

// Store is everything the batch writer needs from the storage adapter.
// storage.Engine satisfies this alongside oplog.OpLog.
type Store interface {
	oplog.OpLog
	CurrentDataStore
	ParameterStore
	SyncRulesStore
}
