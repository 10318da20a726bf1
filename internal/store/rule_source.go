package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"gopkg.in/yaml.v3"

	"flowhook.app/automation/internal/model"
)

const ruleTable = "rules"

// GlobalTenant is the tenant key under which shared rules are stored.
const GlobalTenant = ""

// pgRuleSource reads rule definitions from the rules table.
//
// Expected schema:
//
//	CREATE TABLE rules (
//	    tenant_id  TEXT NOT NULL DEFAULT '',
//	    name       TEXT NOT NULL,
//	    definition JSONB NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    PRIMARY KEY (tenant_id, name)
//	);
type pgRuleSource struct {
	q querier
}

// NewPostgresRuleSource builds a RuleSource over the rules table.
func NewPostgresRuleSource(q querier) RuleSource {
	return &pgRuleSource{q: q}
}

func (s *pgRuleSource) LoadGlobal(ctx context.Context) ([]model.Rule, error) {
	return s.load(ctx, GlobalTenant)
}

func (s *pgRuleSource) LoadTenant(ctx context.Context, tenantID string) ([]model.Rule, error) {
	if tenantID == GlobalTenant {
		return nil, fmt.Errorf("tenant id is required")
	}
	return s.load(ctx, tenantID)
}

func (s *pgRuleSource) load(ctx context.Context, tenantID string) ([]model.Rule, error) {
	query, args, err := goqu.Dialect(dialectPostgres).
		From(ruleTable).
		Select("name", "definition").
		Where(goqu.C("tenant_id").Eq(tenantID)).
		Order(goqu.I("name").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("building rule query: %w", err)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer rows.Close()

	//nolint:prealloc // result count unknown from SQL query
	var rules []model.Rule
	for rows.Next() {
		var (
			name       string
			definition []byte
		)
		if err := rows.Scan(&name, &definition); err != nil {
			return nil, fmt.Errorf("scanning rule row: %w", err)
		}
		var rule model.Rule
		if err := jsonCodec.Unmarshal(definition, &rule); err != nil {
			return nil, fmt.Errorf("corrupt definition for rule %q: %w", name, err)
		}
		// The row key is authoritative over whatever the document claims.
		rule.Name = name
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

func (s *pgRuleSource) ListTenants(ctx context.Context) ([]string, error) {
	query, args, err := goqu.Dialect(dialectPostgres).
		From(ruleTable).
		Select(goqu.DISTINCT("tenant_id")).
		Where(goqu.C("tenant_id").Neq(GlobalTenant)).
		Order(goqu.I("tenant_id").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("building tenant query: %w", err)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning tenant row: %w", err)
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// fileRuleSource reads rule documents from a directory tree:
//
//	<root>/global/*.yaml        shared rules
//	<root>/tenants/<id>/*.yaml  per-tenant rules
//
// Each file holds one rule document. Used in development and tests.
type fileRuleSource struct {
	root string
}

// NewFileRuleSource builds a RuleSource over an on-disk content tree.
func NewFileRuleSource(root string) RuleSource {
	return &fileRuleSource{root: root}
}

func (s *fileRuleSource) LoadGlobal(_ context.Context) ([]model.Rule, error) {
	return loadRuleDir(filepath.Join(s.root, "global"))
}

func (s *fileRuleSource) LoadTenant(_ context.Context, tenantID string) ([]model.Rule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	return loadRuleDir(filepath.Join(s.root, "tenants", tenantID))
}

func (s *fileRuleSource) ListTenants(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "tenants"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading tenants dir: %w", err)
	}

	var tenants []string
	for _, entry := range entries {
		if entry.IsDir() {
			tenants = append(tenants, entry.Name())
		}
	}
	return tenants, nil
}

func loadRuleDir(dir string) ([]model.Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading rule dir %s: %w", dir, err)
	}

	//nolint:prealloc // only yaml entries count
	var rules []model.Rule
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading rule file %s: %w", name, err)
		}
		var rule model.Rule
		if err := yaml.Unmarshal(raw, &rule); err != nil {
			return nil, fmt.Errorf("parsing rule file %s: %w", name, err)
		}
		if rule.Name == "" {
			rule.Name = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
