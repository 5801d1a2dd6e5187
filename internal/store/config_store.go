package store

import (
	"database/sql"
	"fmt"
	"time"

	"git.home.luguber.info/inful/packflow/internal/model"
)

// GlobalConfig returns the configuration singleton, creating an empty row
// lazily on first access.
func (s *Store) GlobalConfig() (model.GlobalConfig, error) {
	cfg, err := s.readGlobalConfig()
	if err == nil {
		return cfg, nil
	}
	if err != ErrNotFound {
		return cfg, err
	}

	err = s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT OR IGNORE INTO global_config (id, crp_topic_type, updated_at) VALUES (1, 'test', ?)`, now())
		return err
	})
	if err != nil {
		return model.GlobalConfig{}, fmt.Errorf("create default config: %w", err)
	}
	return s.readGlobalConfig()
}

func (s *Store) readGlobalConfig() (model.GlobalConfig, error) {
	var c model.GlobalConfig
	var ldapUser, ldapPass, mName, mEmail sql.NullString
	var forgeUser, forgeToken, mirrorBase, topicType, proxy, cloneRoot sql.NullString
	var branchID sql.NullInt64
	var updated int64

	row := s.db.QueryRow(`SELECT id, ldap_username, ldap_password,
		maintainer_name, maintainer_email, forge_username, forge_token,
		mirror_forge_base, crp_branch_id, crp_topic_type, proxy_url,
		clone_root, updated_at FROM global_config WHERE id=1`)
	err := row.Scan(&c.ID, &ldapUser, &ldapPass, &mName, &mEmail, &forgeUser,
		&forgeToken, &mirrorBase, &branchID, &topicType, &proxy, &cloneRoot,
		&updated)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("scan global config: %w", err)
	}
	c.LDAPUsername = strOf(ldapUser)
	c.LDAPPassword = strOf(ldapPass)
	c.MaintainerName = strOf(mName)
	c.MaintainerEmail = strOf(mEmail)
	c.ForgeUsername = strOf(forgeUser)
	c.ForgeToken = strOf(forgeToken)
	c.MirrorForgeBase = strOf(mirrorBase)
	c.CRPBranchID = intOf(branchID)
	c.CRPTopicType = strOf(topicType)
	if c.CRPTopicType == "" {
		c.CRPTopicType = "test"
	}
	c.ProxyURL = strOf(proxy)
	c.CloneRoot = strOf(cloneRoot)
	c.UpdatedAt = time.Unix(updated, 0).UTC()
	return c, nil
}

// UpdateGlobalConfig rewrites the singleton row.
func (s *Store) UpdateGlobalConfig(c model.GlobalConfig) error {
	if _, err := s.GlobalConfig(); err != nil {
		return err
	}
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE global_config SET
			ldap_username=?, ldap_password=?, maintainer_name=?,
			maintainer_email=?, forge_username=?, forge_token=?,
			mirror_forge_base=?, crp_branch_id=?, crp_topic_type=?,
			proxy_url=?, clone_root=?, updated_at=?
			WHERE id=1`,
			nullStr(c.LDAPUsername), nullStr(c.LDAPPassword),
			nullStr(c.MaintainerName), nullStr(c.MaintainerEmail),
			nullStr(c.ForgeUsername), nullStr(c.ForgeToken),
			nullStr(c.MirrorForgeBase), nullInt(c.CRPBranchID),
			nullStr(c.CRPTopicType), nullStr(c.ProxyURL),
			nullStr(c.CloneRoot), now())
		if err != nil {
			return fmt.Errorf("update global config: %w", err)
		}
		return nil
	})
}
