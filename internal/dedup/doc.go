// Package dedup decides what to do with content the engine has seen before.
//
// # Overview
//
// Every submission is fingerprinted before any analyzer work happens. The
// resolver looks the fingerprint up and classifies the result:
//
//   - NotFound: first sighting, run the analyzer
//   - Duplicate: a usable record exists, return it as-is
//   - NeedsUpgrade: a record exists but is poor enough to re-analyze once
//
// The classification is an ordered decision table (first match wins):
//
//  1. MissingCriticalFields: any declared critical field absent from the
//     stored analysis. Always re-analyze; records without state of charge or
//     voltage are useless downstream no matter what they scored.
//  2. StalledNoImprovement: the attempts cap is reached and the last upgrade
//     moved the score by less than the minimum improvement. Accept the record
//     permanently (isComplete=true). This is what prevents infinite
//     re-analysis loops when the analyzer simply cannot do better on a blurry
//     or cropped screenshot.
//  3. LowConfidence: the validation score is below the upgrade threshold and
//     attempts remain. Grant one re-analysis.
//  4. Otherwise: duplicate; the record is flagged complete if it isn't yet.
//
// # Cost bound
//
// Because the table grants at most one upgrade per record (attempts cap 2),
// total analyzer spend for one piece of content is bounded at two calls no
// matter how many times it is resubmitted.
//
// # Usage
//
//	resolver, err := dedup.NewResolver(store, dedup.DefaultConfig(), logger)
//	if err != nil {
//	    return err
//	}
//	res, err := resolver.Resolve(ctx, fp.Hash, fileName)
//	if err != nil {
//	    return err
//	}
//	switch res.Kind {
//	case dedup.NotFound:
//	    // run the analyzer, write a new record
//	case dedup.Duplicate:
//	    // reply with res.Record, no analyzer call
//	case dedup.NeedsUpgrade:
//	    // run the analyzer, upgrade res.Record in place
//	}
//
// Configuration defaults (see DefaultConfig): threshold 80, minimum useful
// improvement 5 points, attempts cap 2, critical fields stateOfCharge,
// totalVoltage, current.
package dedup
