package server

import (
	"path/filepath"

	"github.com/pkg/errors"
	"heckel.io/rpipe/store"
	"heckel.io/rpipe/util"
)

const stateDBDir = "state.db"

// loadState restores the channels saved by saveState. Restoring is best-effort: a missing or
// unreadable snapshot leaves the store empty.
func (s *Server) loadState() error {
	dir := filepath.Join(s.config.StateDir, stateDBDir)
	db, err := store.OpenSnapshotDB(dir)
	if err != nil {
		return err
	}
	defer db.Close()
	count, err := s.store.Load(db)
	if err != nil {
		return errors.Wrap(err, "cannot read snapshot")
	}
	util.Log.Infof("[%s] restored %d channel(s) from %s", s.addr(), count, dir)
	return nil
}

// saveState writes all channels to the state directory
func (s *Server) saveState() error {
	dir := filepath.Join(s.config.StateDir, stateDBDir)
	db, err := store.OpenSnapshotDB(dir)
	if err != nil {
		return err
	}
	count, err := s.store.Save(db)
	if err != nil {
		db.Close()
		return errors.Wrap(err, "cannot write snapshot")
	}
	if err := db.Close(); err != nil {
		return err
	}
	util.Log.Infof("[%s] saved %d channel(s) to %s", s.addr(), count, dir)
	return nil
}
