package matrixone

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"

	"github.com/conductorone/branch-cdc/pkg/engine"
)

var orders = engine.TableRef{Database: "shop", Table: "orders"}

func TestAtSnapshot(t *testing.T) {
	require.Equal(t, "`shop`.`orders`", atSnapshot(orders, ""))
	require.Equal(t, "`shop`.`orders`{snapshot='cdc_1'}", atSnapshot(orders, "cdc_1"))
}

func TestSnapshotStatements(t *testing.T) {
	require.Equal(t, "CREATE SNAPSHOT `cdc_1` FOR TABLE `shop` `orders`", createSnapshotSQL("cdc_1", orders))

	replica := engine.TableRef{Database: "shop", Table: "orders_base"}
	require.Equal(t,
		"DATA BRANCH CREATE TABLE `shop`.`orders_base` FROM `shop`.`orders`{snapshot='cdc_1'}",
		cloneAtSQL(replica, orders, "cdc_1"))

	require.Equal(t,
		"DATA BRANCH DIFF `shop`.`orders`{snapshot='cdc_2'} AGAINST `shop`.`orders_base` OUTPUT FILE 'stage://cdc/run'",
		diffSQL(orders, "cdc_2", replica, "stage://cdc/run"))
}

func TestListSnapshotsSQL(t *testing.T) {
	query, args, err := listSnapshotsSQL("cdc_abc_")
	require.NoError(t, err)
	require.Contains(t, query, "FROM `mo_catalog`.`mo_snapshots`")
	require.Contains(t, query, "`sname` LIKE ?")
	require.NotContains(t, query, "BINARY")
	require.Contains(t, query, "ORDER BY `ts` DESC")
	require.Equal(t, []any{"cdc_abc_%"}, args)
}

func TestTableExistsSQL(t *testing.T) {
	query, args, err := tableExistsSQL(orders)
	require.NoError(t, err)
	require.Contains(t, query, "FROM `information_schema`.`tables`")
	require.Equal(t, []any{"shop", "orders"}, args)
}

func TestChecksumSQL(t *testing.T) {
	cols := []column{
		{Name: "id", Type: "INT", Primary: true},
		{Name: "note", Type: "VARCHAR(64)"},
		{Name: "embedding", Type: "VECF32(3)"},
	}

	t.Run("full", func(t *testing.T) {
		got := checksumSQL(orders, cols, engine.ChecksumOptions{Snapshot: "cdc_1"})
		require.Equal(t, "SELECT COUNT(*), IFNULL(BIT_XOR(CRC32(CONCAT_WS(',', "+
			"IFNULL(CAST(`id` AS VARCHAR), 'NULL'), "+
			"IFNULL(CAST(`note` AS VARCHAR), 'NULL'), "+
			"IFNULL(HEX(`embedding`), 'NULL')))), 0) "+
			"FROM `shop`.`orders`{snapshot='cdc_1'}", got)
	})

	t.Run("count only", func(t *testing.T) {
		got := checksumSQL(orders, nil, engine.ChecksumOptions{CountOnly: true})
		require.Equal(t, "SELECT COUNT(*), 0 FROM `shop`.`orders`", got)
	})

	t.Run("sampled", func(t *testing.T) {
		got := checksumSQL(orders, cols[:1], engine.ChecksumOptions{SamplePercent: 10, KeyColumns: []string{"id"}})
		require.Equal(t, "SELECT COUNT(*), IFNULL(BIT_XOR(CRC32(CONCAT_WS(',', IFNULL(CAST(`id` AS VARCHAR), 'NULL')))), 0) "+
			"FROM `shop`.`orders` WHERE MOD(CRC32(CONCAT_WS(',', IFNULL(CAST(`id` AS VARCHAR), 'NULL'))), 100) < 10", got)
	})

	t.Run("sample without keys hashes everything", func(t *testing.T) {
		got := checksumSQL(orders, cols[:1], engine.ChecksumOptions{SamplePercent: 10})
		require.NotContains(t, got, "WHERE")
	})
}

func TestLoadDataSQL(t *testing.T) {
	got := loadDataSQL("stage://cdc/orders.csv", orders)
	require.Equal(t, "LOAD DATA INFILE 'stage://cdc/orders.csv' INTO TABLE `shop`.`orders` "+
		`FIELDS TERMINATED BY ',' OPTIONALLY ENCLOSED BY '"' ESCAPED BY '\\' `+
		`LINES TERMINATED BY '\n' PARALLEL 'TRUE'`, got)
}

func TestDSN(t *testing.T) {
	cfg := Config{Host: "mo.internal", User: "dump", Password: "p@ss", Database: "shop", ConnectTimeout: 3 * time.Second}

	parsed, err := mysql.ParseDSN(cfg.DSN())
	require.NoError(t, err)
	require.Equal(t, "mo.internal:6001", parsed.Addr)
	require.Equal(t, "dump", parsed.User)
	require.Equal(t, "p@ss", parsed.Passwd)
	require.Equal(t, "shop", parsed.DBName)
	require.True(t, parsed.InterpolateParams)
	require.True(t, parsed.ParseTime)
	require.Equal(t, 3*time.Second, parsed.Timeout)

	cfg.Port = 3306
	parsed, err = mysql.ParseDSN(cfg.DSN())
	require.NoError(t, err)
	require.Equal(t, "mo.internal:3306", parsed.Addr)
}

func TestErrorClassification(t *testing.T) {
	require.True(t, isNoSuchTable(fmt.Errorf("wrapped: %w", &mysql.MySQLError{Number: erNoSuchTable})))
	require.False(t, isNoSuchTable(&mysql.MySQLError{Number: 1064}))
	require.False(t, isNoSuchTable(errors.New("no such table")))

	require.True(t, isSnapshotMissing(errors.New("internal error: snapshot cdc_1 does not exist")))
	require.True(t, isSnapshotMissing(errors.New("Snapshot not found")))
	require.False(t, isSnapshotMissing(errors.New("table not found")))
}

func TestVectorColumns(t *testing.T) {
	require.True(t, column{Type: "vecf32(128)"}.isVector())
	require.True(t, column{Type: "VECF64(3)"}.isVector())
	require.False(t, column{Type: "varchar(10)"}.isVector())
}
