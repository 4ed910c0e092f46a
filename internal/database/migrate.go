// Package database はデータベース接続とマイグレーション管理を提供する。
package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunMigrations は埋め込み済みのマイグレーションをすべて適用し、
// 適用後のスキーマバージョンを返す。すでに最新の場合はエラーなしで返る。
// serveとworkerの両プロセスから同一スキーマを参照するため、
// マイグレーションはデプロイ時にmigrateサブコマンドで1回だけ実行する。
func RunMigrations(databaseURL string) (uint, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("マイグレーションソースの作成に失敗しました: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return 0, fmt.Errorf("マイグレーターの作成に失敗しました: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("マイグレーションの適用に失敗しました: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("スキーマバージョンの取得に失敗しました: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("スキーマがdirty状態です: version=%d", version)
	}

	return version, nil
}
