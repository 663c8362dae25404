// Package session implements the two views of a deployment session.
//
// A LocalSession is the replica-private working copy of an uploaded
// application package: its files on disk, its parsed model and its metadata
// (persisted in bbolt so a restarted replica recovers it). A RemoteSession is
// the cluster-wide record of the same session in the coordination store,
// carrying its status and, once activated, its generation.
//
// Layout of a tenant's sessions on disk:
//
//	<serverDBDir>/tenants/<tenant>/sessions/<id>/app/services.yaml
//	<serverDBDir>/tenants/<tenant>/sessions/<id>/app/files/...
package session
