// Package actionrunner defines the contract Session runtimes use to
// execute one Action's command as a subprocess (spec §4.4, §9
// "Subprocess management lives behind the ActionRunner trait/interface").
// pkg/actionrunner/procrunner is the default implementation.
package actionrunner
