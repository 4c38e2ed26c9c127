// Package engine runs the live side of the jail server: the single world
// loop that owns every world-touching effect, the escape detector fed by
// position updates, and the periodic expiration sweep.
//
// ARCHITECTURAL RULE: systems never mutate prisoner records directly. They
// go through the prisoners registry and marshal world effects onto the Loop.
package engine
