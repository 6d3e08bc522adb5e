// Package claim is the swarm's only concurrency primitive: atomic state
// transitions that hand one record to exactly one caller.
//
// Every claim follows the same shape. Candidates are selected, then exactly
// those ids are moved with a single UPDATE whose WHERE clause re-checks the
// pre-claim status, and only the rows that UPDATE returned are handed back.
// Two concurrent claimers can both select the same candidate, but once the
// winner commits the loser's predicate no longer matches and it gets nothing.
// There is no lock manager and no version column; the status enum is the
// version guard.
//
// Zero matched rows is a miss, not an error. Callers retry on the next poll.
//
// All methods take a storage.Querier so the Trigger Resolver can run the
// candidate lookup and the claim inside one transaction.
package claim
