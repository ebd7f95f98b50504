// Package boltdb provides a persistent idp.AuthDataStore and idp.ConfigCache
// that keep data in a single file.
package boltdb

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"code.sanakey.org/golang/pkg/idp"
)

const (
	connectTimeout = 5 * time.Second

	// delegations older than this are unlikely to ever complete
	pendingMaxAge = 24 * time.Hour
)

const (
	authTbl    = "authTbl"
	extAuthTbl = "extAuthTbl"
	configTbl  = "configTbl"

	discoveryKey = "discovery"
)

type authStore struct {
	dbpath string
}

// New returns an AuthStore that persists profile authentication material in a
// single file boltdb database. It errors if the database schema can not be
// created.
func New(dbpath string) (AuthStore, error) {
	store := authStore{dbpath: dbpath}

	db, err := bolt.Open(dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return nil, wrapError(err, "failed connecting to database")
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		var err error
		for _, bucketname := range []string{authTbl, extAuthTbl, configTbl} {
			_, err = tx.CreateBucketIfNotExists([]byte(bucketname))
			if nil != err {
				return wrapError(err, "failed %s bucket creation", bucketname)
			}
		}

		return nil
	})
	if nil != err {
		return nil, wrapError(err, "failed db initialization")
	}

	return store, nil
}

// AuthStore combines the two persistence contracts the authentication layer
// needs.
type AuthStore interface {
	idp.AuthDataStore
	idp.ConfigCache
}

// LoadAuthData loads the record of profile into dst.
// It returns true if the record was found and successfully loaded.
func (self authStore) LoadAuthData(profile string, dst *idp.AuthData) (bool, error) {
	var loaded bool

	err := self.view(func(tx *bolt.Tx) error {
		srzdata := tx.Bucket([]byte(authTbl)).Get([]byte(profile))
		if nil == srzdata {
			return nil
		}
		err := cbor.Unmarshal(srzdata, dst)
		if nil != err {
			return wrapError(err, "failed unmarshaling record")
		}
		loaded = true

		return nil
	})

	return loaded, err
}

// SaveAuthData stores data as the record of profile, replacing any previous
// record wholesale.
func (self authStore) SaveAuthData(profile string, data idp.AuthData) error {
	err := data.Check()
	if nil != err {
		return wrapError(err, "record is invalid")
	}
	srzdata, err := cbor.Marshal(data)
	if nil != err {
		return wrapError(err, "failed cbor.Marshal(data)")
	}

	return self.update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(authTbl)).Put([]byte(profile), srzdata)
	})
}

// ClearToken drops the single sign on token of profile, keeping the scope
// and the device bound material.
func (self authStore) ClearToken(profile string) error {
	return self.update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(authTbl))
		srzdata := bucket.Get([]byte(profile))
		if nil == srzdata {
			return nil
		}

		var data idp.AuthData
		err := cbor.Unmarshal(srzdata, &data)
		if nil != err {
			return wrapError(err, "failed unmarshaling record")
		}
		data.Token = ""
		data.TokenKind = 0
		data.ValidOn = 0
		data.ExpiresOn = 0

		srzdata, err = cbor.Marshal(data)
		if nil != err {
			return wrapError(err, "failed cbor.Marshal(data)")
		}

		return bucket.Put([]byte(profile), srzdata)
	})
}

// ClearAuthData drops everything stored for profile.
func (self authStore) ClearAuthData(profile string) error {
	return self.update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(authTbl)).Delete([]byte(profile))
	})
}

// SavePendingExtAuth stores the delegation context keyed by its state value,
// sweeping contexts old enough to never complete.
func (self authStore) SavePendingExtAuth(pending idp.ExtAuthPending) error {
	err := pending.Check()
	if nil != err {
		return wrapError(err, "delegation context is invalid")
	}
	srzpending, err := cbor.Marshal(pending)
	if nil != err {
		return wrapError(err, "failed cbor.Marshal(pending)")
	}

	horizon := time.Now().Add(-pendingMaxAge).Unix()
	return self.update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(extAuthTbl))

		cursor := bucket.Cursor()
		for k, v := cursor.First(); nil != k; k, v = cursor.Next() {
			var old idp.ExtAuthPending
			if nil != cbor.Unmarshal(v, &old) || old.RequestedAt < horizon {
				err := cursor.Delete()
				if nil != err {
					return wrapError(err, "failed sweeping stale delegation")
				}
			}
		}

		return bucket.Put([]byte(pending.State), srzpending)
	})
}

// PopPendingExtAuth removes & returns the delegation context stored under
// state. The bool flag is false when no such context exists.
func (self authStore) PopPendingExtAuth(state string) (idp.ExtAuthPending, bool, error) {
	var pending idp.ExtAuthPending
	var loaded bool

	err := self.update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(extAuthTbl))
		srzpending := bucket.Get([]byte(state))
		if nil == srzpending {
			return nil
		}

		err := cbor.Unmarshal(srzpending, &pending)
		if nil != err {
			return wrapError(err, "failed unmarshaling delegation context")
		}
		err = bucket.Delete([]byte(state))
		if nil != err {
			return wrapError(err, "failed removing delegation context")
		}
		loaded = true

		return nil
	})

	return pending, loaded, err
}

// LoadDiscovery returns the cached raw discovery document.
func (self authStore) LoadDiscovery() (string, bool, error) {
	var raw string
	var loaded bool

	err := self.view(func(tx *bolt.Tx) error {
		srzdoc := tx.Bucket([]byte(configTbl)).Get([]byte(discoveryKey))
		if nil == srzdoc {
			return nil
		}
		raw = string(srzdoc)
		loaded = true

		return nil
	})

	return raw, loaded, err
}

// SaveDiscovery caches the raw discovery document.
func (self authStore) SaveDiscovery(raw string) error {
	return self.update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(configTbl)).Put([]byte(discoveryKey), []byte(raw))
	})
}

// ClearDiscovery drops the cached discovery document.
func (self authStore) ClearDiscovery() error {
	return self.update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(configTbl)).Delete([]byte(discoveryKey))
	})
}

// view runs call in a read transaction against a fresh connection.
func (self authStore) view(call func(tx *bolt.Tx) error) error {
	db, err := bolt.Open(self.dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return wrapError(err, "failed connecting to the database")
	}
	defer db.Close()

	return wrapError(db.View(self.withSchema(call)), "failed db.View")
}

// update runs call in a write transaction against a fresh connection.
func (self authStore) update(call func(tx *bolt.Tx) error) error {
	db, err := bolt.Open(self.dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return wrapError(err, "failed connecting to the database")
	}
	defer db.Close()

	return wrapError(db.Update(self.withSchema(call)), "failed db.Update")
}

func (self authStore) withSchema(call func(tx *bolt.Tx) error) func(tx *bolt.Tx) error {
	return func(tx *bolt.Tx) error {
		for _, bucketname := range []string{authTbl, extAuthTbl, configTbl} {
			if nil == tx.Bucket([]byte(bucketname)) {
				return newError("missing %s bucket", bucketname)
			}
		}
		return call(tx)
	}
}
