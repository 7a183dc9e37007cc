package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Checker validates the MySQL connection and the privileges needed to maintain mirror tables
type Checker struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewChecker creates a new MySQL checker
func NewChecker(db *sql.DB, logger *logrus.Logger) *Checker {
	return &Checker{
		db:     db,
		logger: logger,
	}
}

// CheckConnectionAndPermissions verifies MySQL connection, grants and storage engine
func (c *Checker) CheckConnectionAndPermissions(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to MySQL server: %w", err)
	}

	c.logger.Info("Successfully connected to MySQL server")

	requiredPrivs := []string{
		"SELECT",
		"INSERT",
		"UPDATE",
		"DELETE",
		"CREATE",
	}

	// SHOW GRANTS can return multiple rows
	var allGrants strings.Builder
	rows, err := c.db.QueryContext(ctx, "SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		rows, err = c.db.QueryContext(ctx, "SHOW GRANTS")
		if err != nil {
			return fmt.Errorf("failed to check grants: %w", err)
		}
	}
	defer rows.Close()

	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return fmt.Errorf("failed to scan grant: %w", err)
		}
		if allGrants.Len() > 0 {
			allGrants.WriteString("; ")
		}
		allGrants.WriteString(grant)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating grants: %w", err)
	}

	grantsStr := allGrants.String()
	grantsUpper := strings.ToUpper(grantsStr)
	if !strings.Contains(grantsUpper, "ALL PRIVILEGES") {
		missingPrivs := []string{}
		for _, priv := range requiredPrivs {
			if !strings.Contains(grantsUpper, priv) {
				missingPrivs = append(missingPrivs, priv)
			}
		}
		if len(missingPrivs) > 0 {
			return fmt.Errorf("missing required permissions: %s. Current grants: %s", strings.Join(missingPrivs, ", "), grantsStr)
		}
	}

	c.logger.Info("All required permissions verified")

	// Mirror tables need a transactional engine for all-or-nothing batches
	var engine string
	if err := c.db.QueryRowContext(ctx, "SELECT @@default_storage_engine").Scan(&engine); err != nil {
		c.logger.Warn("Could not verify default storage engine")
	} else if !strings.EqualFold(engine, "InnoDB") {
		c.logger.Warnf("default_storage_engine is '%s'; mirror tables are created with ENGINE=InnoDB", engine)
	}

	return nil
}
