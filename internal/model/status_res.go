package model

// FleetStatus summarizes one owner's devices for the dashboard.
type FleetStatus struct {
	Status          string `json:"status"`
	AllDeviceNum    int    `json:"allDeviceNum"`
	OnlineDeviceNum int    `json:"onlineDeviceNum"`
	LockedDeviceNum int    `json:"lockedDeviceNum"`
	PendingCommands int    `json:"pendingCommands"`
}
